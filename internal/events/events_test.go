package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"veloz-core/internal/opc"
	"veloz-core/pkg/types"
)

func TestMarketEmitsTypeAndFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf)

	if err := w.Market(Market{Symbol: "BTC-USDT", TsNs: 1, Price: 50000}); err != nil {
		t.Fatalf("Market: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "market" || got["symbol"] != "BTC-USDT" {
		t.Fatalf("got %+v", got)
	}
}

func TestEmitTerminatesWithSingleNewline(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf)

	if err := w.Fill(Fill{ClientOrderID: "c1", Symbol: "BTC-USDT", Qty: 1, Price: 50000}); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	s := buf.String()
	if !strings.HasSuffix(s, "\n") {
		t.Fatalf("expected trailing newline, got %q", s)
	}
	if strings.Count(s, "\n") != 1 {
		t.Fatalf("expected exactly one newline, got %q", s)
	}
}

func TestOrderUpdateOmitsUnsetOptionalFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf)

	if err := w.OrderUpdate(OrderUpdate{ClientOrderID: "c1"}); err != nil {
		t.Fatalf("OrderUpdate: %v", err)
	}

	line := buf.String()
	for _, absent := range []string{"venue_order_id", "status", "side", "reason"} {
		if strings.Contains(line, absent) {
			t.Errorf("expected %q omitted from %q", absent, line)
		}
	}
}

func TestOrderStateCarriesFullOrderSnapshot(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf)

	order := opc.Order{ClientOrderID: "c1", Symbol: "BTC-USDT", Side: types.Buy, Qty: 1}
	if err := w.OrderState(OrderState{Order: order}); err != nil {
		t.Fatalf("OrderState: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "order_state" {
		t.Fatalf("got %+v", got)
	}
	orderField, ok := got["order"].(map[string]any)
	if !ok || orderField["client_order_id"] != "c1" {
		t.Fatalf("got order field %+v", got["order"])
	}
}

func TestAccountCarriesBalances(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf)

	ledger := opc.NewLedger()
	snapshots := ledger.All()
	if err := w.Account(Account{Balances: BalancesFromSnapshots(snapshots)}); err != nil {
		t.Fatalf("Account: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "account" {
		t.Fatalf("got %+v", got)
	}
}

func TestErrorEmitsMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := New(&buf)

	if err := w.Error(Error{Message: "boom"}); err != nil {
		t.Fatalf("Error: %v", err)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

// concurrentWriter wraps a bytes.Buffer so the race detector (and this
// test) can observe whether Writer actually serializes writes.
type concurrentWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *concurrentWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func TestConcurrentEmitsNeverInterleave(t *testing.T) {
	t.Parallel()
	cw := &concurrentWriter{}
	w := New(cw)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = w.Fill(Fill{ClientOrderID: "c1", Symbol: "BTC-USDT", Qty: float64(n), Price: 50000})
		}(i)
	}
	wg.Wait()

	cw.mu.Lock()
	lines := strings.Split(strings.TrimRight(cw.buf.String(), "\n"), "\n")
	cw.mu.Unlock()
	if len(lines) != 50 {
		t.Fatalf("expected 50 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var got map[string]any
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Fatalf("interleaved or malformed line %q: %v", line, err)
		}
	}
}
