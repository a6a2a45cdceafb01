package opc

import (
	"testing"

	"github.com/shopspring/decimal"

	"veloz-core/internal/wal"
	"veloz-core/pkg/types"
)

func testSymbols() map[types.Symbol]SymbolInfo {
	return map[types.Symbol]SymbolInfo{
		"BTC-USDT": {BaseAsset: "BTC", QuoteAsset: "USDT"},
	}
}

func openTestStore(t *testing.T, dir string) (*Store, *wal.WAL) {
	t.Helper()
	ledger := NewLedger()
	ledger.Credit("USDT", decimal.NewFromInt(100000))
	store := NewStore(ledger, testSymbols())

	w, err := wal.Open(wal.DefaultConfig(dir), store.ApplyReplayEntry)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	store.AttachWAL(w)
	return store, w
}

func TestPlaceRejectsInsufficientFunds(t *testing.T) {
	store, w := openTestStore(t, t.TempDir())
	defer w.Close()

	price := 50000.0
	req := types.PlaceOrderRequest{
		Symbol:        "BTC-USDT",
		Side:          types.Buy,
		Type:          types.Limit,
		TIF:           types.GTC,
		Qty:           3, // 3 * 50000 = 150000 > 100000 free
		Price:         &price,
		ClientOrderID: "c1",
	}

	decision := store.Place(req, 1)
	if decision.Accepted {
		t.Fatalf("expected rejection, got accepted")
	}
	if decision.Reason != ReasonInsufficientFunds {
		t.Fatalf("reason = %q, want insufficient_funds", decision.Reason)
	}
	if _, ok := store.Get("c1"); ok {
		t.Fatalf("rejected order must not be stored")
	}
	snap := store.ledger.Snapshot("USDT")
	if snap.Free != 100000 || snap.Locked != 0 {
		t.Fatalf("balances mutated on rejection: %+v", snap)
	}
}

func TestPlaceAcceptThenFillFull(t *testing.T) {
	store, w := openTestStore(t, t.TempDir())
	defer w.Close()

	price := 50000.0
	req := types.PlaceOrderRequest{
		Symbol:        "BTC-USDT",
		Side:          types.Buy,
		Type:          types.Limit,
		TIF:           types.GTC,
		Qty:           1,
		Price:         &price,
		ClientOrderID: "c2",
	}

	decision := store.Place(req, 1)
	if !decision.Accepted {
		t.Fatalf("expected accept, got reject: %v", decision.Reason)
	}

	usdt := store.ledger.Snapshot("USDT")
	if usdt.Free != 50000 || usdt.Locked != 50000 {
		t.Fatalf("after accept: free=%v locked=%v, want 50000/50000", usdt.Free, usdt.Locked)
	}

	if err := store.ApplyFill("c2", 1, 50000, 2); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	usdt = store.ledger.Snapshot("USDT")
	if usdt.Free != 50000 || usdt.Locked != 0 {
		t.Fatalf("after fill: USDT free=%v locked=%v, want 50000/0", usdt.Free, usdt.Locked)
	}
	btc := store.ledger.Snapshot("BTC")
	if btc.Free != 1.0 {
		t.Fatalf("after fill: BTC free=%v, want 1.0", btc.Free)
	}

	order, ok := store.Get("c2")
	if !ok {
		t.Fatalf("order not found after fill")
	}
	if order.Status != types.StatusFilled {
		t.Fatalf("status = %v, want FILLED", order.Status)
	}
	if order.CumQty != 1 {
		t.Fatalf("cum_qty = %v, want 1", order.CumQty)
	}
}

func TestApplyOrderUpdateIgnoresStaleTimestamp(t *testing.T) {
	store, w := openTestStore(t, t.TempDir())
	defer w.Close()

	price := 100.0
	store.Place(types.PlaceOrderRequest{
		Symbol: "BTC-USDT", Side: types.Buy, Type: types.Limit, TIF: types.GTC,
		Qty: 1, Price: &price, ClientOrderID: "c3",
	}, 1)

	if err := store.ApplyOrderUpdate("c3", "vo-1", types.StatusPartiallyFilled, "", 10); err != nil {
		t.Fatalf("ApplyOrderUpdate: %v", err)
	}
	order, _ := store.Get("c3")
	if order.LastUpdateNs != 10 {
		t.Fatalf("last_update_ns = %d, want 10", order.LastUpdateNs)
	}

	// A stale update (ts <= last_update_ns) must be a no-op.
	if err := store.ApplyOrderUpdate("c3", "vo-1", types.StatusRejected, "stale", 5); err != nil {
		t.Fatalf("ApplyOrderUpdate: %v", err)
	}
	order, _ = store.Get("c3")
	if order.Status == types.StatusRejected {
		t.Fatalf("stale update was applied")
	}
	if order.LastUpdateNs != 10 {
		t.Fatalf("last_update_ns changed by stale update: %d", order.LastUpdateNs)
	}
}

func TestApplyOrderUpdateSticksAtTerminal(t *testing.T) {
	store, w := openTestStore(t, t.TempDir())
	defer w.Close()

	price := 100.0
	store.Place(types.PlaceOrderRequest{
		Symbol: "BTC-USDT", Side: types.Buy, Type: types.Limit, TIF: types.GTC,
		Qty: 1, Price: &price, ClientOrderID: "c4",
	}, 1)

	if err := store.ApplyOrderUpdate("c4", "", types.StatusRejected, "risk", 5); err != nil {
		t.Fatalf("ApplyOrderUpdate: %v", err)
	}
	if err := store.ApplyOrderUpdate("c4", "", types.StatusPartiallyFilled, "", 6); err != nil {
		t.Fatalf("ApplyOrderUpdate: %v", err)
	}
	order, _ := store.Get("c4")
	if order.Status != types.StatusRejected {
		t.Fatalf("terminal status overwritten: now %v", order.Status)
	}
}

func TestCancelUnknownOrderReportsNotFound(t *testing.T) {
	store, w := openTestStore(t, t.TempDir())
	defer w.Close()

	decision := store.Cancel("does-not-exist", 1)
	if decision.Found {
		t.Fatalf("expected not found")
	}
	if decision.Reason != ReasonUnknownOrder {
		t.Fatalf("reason = %q, want unknown_order", decision.Reason)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	store, w := openTestStore(t, t.TempDir())
	defer w.Close()

	price := 50000.0
	store.Place(types.PlaceOrderRequest{
		Symbol: "BTC-USDT", Side: types.Buy, Type: types.Limit, TIF: types.GTC,
		Qty: 1, Price: &price, ClientOrderID: "c5",
	}, 1)

	decision := store.Cancel("c5", 2)
	if !decision.Found {
		t.Fatalf("expected found")
	}
	usdt := store.ledger.Snapshot("USDT")
	if usdt.Free != 100000 || usdt.Locked != 0 {
		t.Fatalf("reservation not released: %+v", usdt)
	}
	order, _ := store.Get("c5")
	if order.Status != types.StatusCanceled {
		t.Fatalf("status = %v, want CANCELED", order.Status)
	}

	// Cancelling an already-terminal order again is reported not found.
	second := store.Cancel("c5", 3)
	if second.Found {
		t.Fatalf("double-cancel reported found")
	}
}

func TestReplayRebuildsStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ledger := NewLedger()
	ledger.Credit("USDT", decimal.NewFromInt(100000))
	store := NewStore(ledger, testSymbols())
	w, err := wal.Open(wal.DefaultConfig(dir), store.ApplyReplayEntry)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	store.AttachWAL(w)

	price := 50000.0
	store.Place(types.PlaceOrderRequest{
		Symbol: "BTC-USDT", Side: types.Buy, Type: types.Limit, TIF: types.GTC,
		Qty: 1, Price: &price, ClientOrderID: "c6",
	}, 1)
	if err := store.ApplyFill("c6", 0.4, 50000, 2); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	w.Close()

	ledger2 := NewLedger()
	ledger2.Credit("USDT", decimal.NewFromInt(100000))
	store2 := NewStore(ledger2, testSymbols())
	w2, err := wal.Open(wal.DefaultConfig(dir), store2.ApplyReplayEntry)
	if err != nil {
		t.Fatalf("wal.Open (reopen): %v", err)
	}
	defer w2.Close()
	store2.AttachWAL(w2)

	order, ok := store2.Get("c6")
	if !ok {
		t.Fatalf("order not recovered by replay")
	}
	if order.Status != types.StatusPartiallyFilled {
		t.Fatalf("status after replay = %v, want PARTIALLY_FILLED", order.Status)
	}
	if order.CumQty != 0.4 {
		t.Fatalf("cum_qty after replay = %v, want 0.4", order.CumQty)
	}
}
