package sor

import (
	"testing"
	"time"

	"veloz-core/pkg/types"
)

func TestLatencyTrackerComputesPercentiles(t *testing.T) {
	tr := NewLatencyTracker()
	base := time.Unix(0, 0)

	for i := 1; i <= 100; i++ {
		tr.RecordLatency("binance", time.Duration(i)*time.Millisecond, base.Add(time.Duration(i)*time.Millisecond))
	}

	stats, ok := tr.Stats("binance")
	if !ok {
		t.Fatalf("expected stats for binance")
	}
	if stats.SampleCount != 100 {
		t.Errorf("SampleCount = %d, want 100", stats.SampleCount)
	}
	if stats.Min != time.Millisecond {
		t.Errorf("Min = %v, want 1ms", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", stats.Max)
	}
	if stats.P50 < 49*time.Millisecond || stats.P50 > 51*time.Millisecond {
		t.Errorf("P50 = %v, want ~50ms", stats.P50)
	}
}

func TestLatencyTrackerPrunesOutsideWindowDuration(t *testing.T) {
	tr := NewLatencyTracker()
	tr.SetWindowDuration(10 * time.Second)
	base := time.Unix(0, 0)

	tr.RecordLatency("okx", 5*time.Millisecond, base)
	tr.RecordLatency("okx", 8*time.Millisecond, base.Add(20*time.Second))

	stats, ok := tr.Stats("okx")
	if !ok {
		t.Fatalf("expected stats")
	}
	if stats.SampleCount != 1 {
		t.Fatalf("SampleCount = %d, want 1 (old sample should be pruned)", stats.SampleCount)
	}
	if stats.Mean != 8*time.Millisecond {
		t.Errorf("Mean = %v, want 8ms", stats.Mean)
	}
}

func TestLatencyTrackerPrunesOverWindowSize(t *testing.T) {
	tr := NewLatencyTracker()
	tr.SetWindowSize(5)
	base := time.Unix(0, 0)

	for i := 1; i <= 10; i++ {
		tr.RecordLatency("deribit", time.Duration(i)*time.Millisecond, base.Add(time.Duration(i)*time.Millisecond))
	}

	stats, ok := tr.Stats("deribit")
	if !ok {
		t.Fatalf("expected stats")
	}
	if stats.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", stats.SampleCount)
	}
	if stats.Min != 6*time.Millisecond {
		t.Errorf("Min = %v, want 6ms (oldest 5 samples dropped)", stats.Min)
	}
}

func TestVenuesByLatencyOrdersFastestFirst(t *testing.T) {
	tr := NewLatencyTracker()
	now := time.Unix(0, 0)

	tr.RecordLatency("slow", 50*time.Millisecond, now)
	tr.RecordLatency("fast", 5*time.Millisecond, now)
	tr.RecordLatency("mid", 20*time.Millisecond, now)

	ordered := tr.VenuesByLatency()
	want := []types.Venue{"fast", "mid", "slow"}
	if len(ordered) != len(want) {
		t.Fatalf("len = %d, want %d", len(ordered), len(want))
	}
	for i := range want {
		if ordered[i] != want[i] {
			t.Errorf("ordered[%d] = %s, want %s", i, ordered[i], want[i])
		}
	}
}

func TestIsHealthyRejectsStaleOrSlowVenues(t *testing.T) {
	tr := NewLatencyTracker()
	now := time.Unix(1000, 0)

	tr.RecordLatency("binance", 10*time.Millisecond, now)

	if !tr.IsHealthy("binance", 50*time.Millisecond, 5*time.Second, now) {
		t.Errorf("expected venue to be healthy")
	}
	if tr.IsHealthy("binance", 5*time.Millisecond, 5*time.Second, now) {
		t.Errorf("expected venue to fail the latency bound")
	}
	if tr.IsHealthy("binance", 50*time.Millisecond, 5*time.Second, now.Add(time.Hour)) {
		t.Errorf("expected venue to fail the staleness bound")
	}
	if tr.IsHealthy("unknown", time.Second, time.Hour, now) {
		t.Errorf("unknown venue should never be healthy")
	}
}

func TestClearAndClearAll(t *testing.T) {
	tr := NewLatencyTracker()
	now := time.Unix(0, 0)
	tr.RecordLatency("a", time.Millisecond, now)
	tr.RecordLatency("b", time.Millisecond, now)

	tr.Clear("a")
	if _, ok := tr.Stats("a"); ok {
		t.Errorf("expected venue a cleared")
	}
	if _, ok := tr.Stats("b"); !ok {
		t.Errorf("expected venue b untouched")
	}

	tr.ClearAll()
	if _, ok := tr.Stats("b"); ok {
		t.Errorf("expected all venues cleared")
	}
}
