package sor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"veloz-core/internal/venue"
	"veloz-core/pkg/types"
)

type fakeAdapter struct {
	name      string
	connected bool
	placeResp types.ExecutionReport
	placeOK   bool
}

func (f *fakeAdapter) Place(ctx context.Context, req types.PlaceOrderRequest) (types.ExecutionReport, bool) {
	return f.placeResp, f.placeOK
}
func (f *fakeAdapter) Cancel(ctx context.Context, req types.CancelOrderRequest) (types.ExecutionReport, bool) {
	return types.ExecutionReport{ClientOrderID: req.ClientOrderID, Status: types.StatusCanceled}, true
}
func (f *fakeAdapter) IsConnected() bool        { return f.connected }
func (f *fakeAdapter) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeAdapter) Disconnect() error        { f.connected = false; return nil }
func (f *fakeAdapter) Name() string             { return f.name }
func (f *fakeAdapter) Version() string          { return "fake/1" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T) (*ExchangeCoordinator, *venue.Registry) {
	t.Helper()
	reg := venue.NewRegistry()
	reg.Add("binance", &fakeAdapter{name: "binance", connected: true, placeOK: true, placeResp: types.ExecutionReport{ClientOrderID: "c1", Status: types.StatusAccepted}})
	reg.Add("okx", &fakeAdapter{name: "okx", connected: true, placeOK: true, placeResp: types.ExecutionReport{ClientOrderID: "c1", Status: types.StatusAccepted}})
	return NewExchangeCoordinator(reg, testLogger()), reg
}

func TestSelectVenuePinnedRequiresConnected(t *testing.T) {
	c, reg := newTestCoordinator(t)
	reg.Get("okx")

	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy, Venue: "okx"}
	decision, err := c.SelectVenue(req, StrategyBestPrice)
	if err != nil {
		t.Fatalf("SelectVenue: %v", err)
	}
	if decision.Venue != "okx" {
		t.Errorf("Venue = %s, want okx", decision.Venue)
	}
}

func TestSelectVenuePinnedRejectsDisconnected(t *testing.T) {
	c, reg := newTestCoordinator(t)
	a, _ := reg.Get("okx")
	a.(*fakeAdapter).connected = false

	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy, Venue: "okx"}
	if _, err := c.SelectVenue(req, StrategyBestPrice); err == nil {
		t.Fatalf("expected error routing to a disconnected pinned venue")
	}
}

func TestSelectVenueBestPriceUsesAggregatedBook(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.BookFor("BTC-USDT").UpdateVenueBBO("binance", 100, 1, 100.5, 1, 1)
	c.BookFor("BTC-USDT").UpdateVenueBBO("okx", 100, 1, 100.2, 1, 1)

	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy}
	decision, err := c.SelectVenue(req, StrategyBestPrice)
	if err != nil {
		t.Fatalf("SelectVenue: %v", err)
	}
	if decision.Venue != "okx" {
		t.Errorf("Venue = %s, want okx (lower ask)", decision.Venue)
	}
}

func TestSelectVenueLowestLatency(t *testing.T) {
	c, _ := newTestCoordinator(t)
	now := time.Now()
	c.latency.RecordLatency("binance", 50*time.Millisecond, now)
	c.latency.RecordLatency("okx", 5*time.Millisecond, now)

	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy}
	decision, err := c.SelectVenue(req, StrategyLowestLatency)
	if err != nil {
		t.Fatalf("SelectVenue: %v", err)
	}
	if decision.Venue != "okx" {
		t.Errorf("Venue = %s, want okx (lower latency)", decision.Venue)
	}
}

func TestSelectVenueRoundRobinAlternates(t *testing.T) {
	c, _ := newTestCoordinator(t)
	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy}

	seen := make(map[types.Venue]int)
	for i := 0; i < 10; i++ {
		d, err := c.SelectVenue(req, StrategyRoundRobin)
		if err != nil {
			t.Fatalf("SelectVenue: %v", err)
		}
		seen[d.Venue]++
	}
	if len(seen) != 2 {
		t.Errorf("expected round robin to alternate across both venues, got %v", seen)
	}
}

func TestSelectVenueNoConnectedVenuesErrors(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Add("binance", &fakeAdapter{name: "binance", connected: false})
	c := NewExchangeCoordinator(reg, testLogger())

	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy}
	if _, err := c.SelectVenue(req, StrategyBestPrice); err == nil {
		t.Fatalf("expected error when no venues are connected")
	}
}

func TestPlaceOrderDispatchesToSelectedVenueAndRecordsLatency(t *testing.T) {
	c, _ := newTestCoordinator(t)
	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy, Venue: "binance", ClientOrderID: "c1"}

	report, decision, ok := c.PlaceOrder(context.Background(), req, StrategyBestPrice)
	if !ok {
		t.Fatalf("expected Place to succeed")
	}
	if decision.Venue != "binance" {
		t.Errorf("decision.Venue = %s, want binance", decision.Venue)
	}
	if report.Status != types.StatusAccepted {
		t.Errorf("report.Status = %s, want ACCEPTED", report.Status)
	}
	if _, ok := c.Latency().Stats("binance"); !ok {
		t.Errorf("expected a latency sample recorded for binance")
	}
}
