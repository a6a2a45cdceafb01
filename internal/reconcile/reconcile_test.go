package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"veloz-core/internal/opc"
	"veloz-core/internal/venue"
	"veloz-core/internal/wal"
	"veloz-core/pkg/types"
)

// fakeQuerier implements both venue.Adapter and venue.ReconciliationQuerier
// so tests can drive reconciliation against canned exchange-side state.
type fakeQuerier struct {
	orders       map[string]types.ExecutionReport
	openOrders   []types.ExecutionReport
	cancelCalls  []string
	queryErr     error
}

func (f *fakeQuerier) Place(ctx context.Context, req types.PlaceOrderRequest) (types.ExecutionReport, bool) {
	return types.ExecutionReport{}, false
}
func (f *fakeQuerier) Cancel(ctx context.Context, req types.CancelOrderRequest) (types.ExecutionReport, bool) {
	return types.ExecutionReport{}, false
}
func (f *fakeQuerier) IsConnected() bool            { return true }
func (f *fakeQuerier) Connect(ctx context.Context) error { return nil }
func (f *fakeQuerier) Disconnect() error            { return nil }
func (f *fakeQuerier) Name() string                 { return "fake" }
func (f *fakeQuerier) Version() string              { return "test" }

func (f *fakeQuerier) QueryOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.ExecutionReport, error) {
	return f.openOrders, f.queryErr
}
func (f *fakeQuerier) QueryOrder(ctx context.Context, symbol types.Symbol, clientOrderID string) (types.ExecutionReport, bool, error) {
	if f.queryErr != nil {
		return types.ExecutionReport{}, false, f.queryErr
	}
	report, ok := f.orders[clientOrderID]
	return report, ok, nil
}
func (f *fakeQuerier) QueryOrders(ctx context.Context, symbol types.Symbol, tFromMs, tToMs int64) ([]types.ExecutionReport, error) {
	return nil, nil
}
func (f *fakeQuerier) CancelOrder(ctx context.Context, symbol types.Symbol, clientOrderID string) error {
	f.cancelCalls = append(f.cancelCalls, clientOrderID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *opc.Store {
	t.Helper()
	ledger := opc.NewLedger()
	ledger.Credit("USDT", decimal.NewFromInt(1_000_000))
	store := opc.NewStore(ledger, map[types.Symbol]opc.SymbolInfo{"BTC-USDT": {BaseAsset: "BTC", QuoteAsset: "USDT"}})

	w, err := wal.Open(wal.DefaultConfig(t.TempDir()), store.ApplyReplayEntry)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	store.AttachWAL(w)
	return store
}

func placeOrder(t *testing.T, store *opc.Store, clientOrderID string) {
	t.Helper()
	price := 50000.0
	decision := store.Place(types.PlaceOrderRequest{
		Symbol: "BTC-USDT", Side: types.Buy, Type: types.Limit, TIF: types.GTC,
		Qty: 1, Price: &price, ClientOrderID: clientOrderID, Venue: "binance",
	}, time.Now().UnixNano())
	if !decision.Accepted {
		t.Fatalf("place %s rejected: %s", clientOrderID, decision.Reason)
	}
}

func TestReconcileVenueNoMismatchWhenStatesAgree(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	placeOrder(t, store, "c1")

	reg := venue.NewRegistry()
	q := &fakeQuerier{orders: map[string]types.ExecutionReport{
		"c1": {Symbol: "BTC-USDT", ClientOrderID: "c1", Status: types.StatusAccepted, LastFillQty: 0},
	}}
	reg.Add("binance", q)

	r := New(store, reg, DefaultConfig(), testLogger())
	report := r.ReconcileVenue(context.Background(), "binance")

	if report.MismatchesFound != 0 || report.OrdersMatched != 1 {
		t.Fatalf("report = %+v, want 0 mismatches / 1 matched", report)
	}
}

func TestReconcileVenueAutoCorrectsFillDrift(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	placeOrder(t, store, "c1")

	reg := venue.NewRegistry()
	q := &fakeQuerier{orders: map[string]types.ExecutionReport{
		"c1": {Symbol: "BTC-USDT", ClientOrderID: "c1", Status: types.StatusFilled, LastFillQty: 1, LastFillPrice: 50000},
	}}
	reg.Add("binance", q)

	r := New(store, reg, DefaultConfig(), testLogger())
	report := r.ReconcileVenue(context.Background(), "binance")

	if report.MismatchesFound != 1 || report.MismatchesAutoResolved != 1 {
		t.Fatalf("report = %+v, want 1 mismatch auto-resolved", report)
	}
	order, ok := store.Get("c1")
	if !ok || order.Status != types.StatusFilled {
		t.Fatalf("local order not corrected: %+v", order)
	}
}

func TestReconcileVenueCriticalMismatchFilesIntervention(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	placeOrder(t, store, "c1")

	reg := venue.NewRegistry()
	// Exchange reports terminal rejected while local still thinks accepted.
	q := &fakeQuerier{orders: map[string]types.ExecutionReport{
		"c1": {Symbol: "BTC-USDT", ClientOrderID: "c1", Status: types.StatusRejected, Reason: "insufficient_margin"},
	}}
	reg.Add("binance", q)

	r := New(store, reg, DefaultConfig(), testLogger())
	report := r.ReconcileVenue(context.Background(), "binance")

	if report.ManualInterventionsRequired != 1 {
		t.Fatalf("report = %+v, want 1 manual intervention", report)
	}
	if got := len(r.PendingInterventions()); got != 1 {
		t.Fatalf("pending interventions = %d, want 1", got)
	}
}

func TestReconcileVenueFreezesStrategyAfterRepeatedCriticalMismatches(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	reg := venue.NewRegistry()
	cfg := DefaultConfig()
	cfg.MaxMismatchesBeforeFreeze = 2

	var q *fakeQuerier
	r := New(store, reg, cfg, testLogger())

	for i := 0; i < 2; i++ {
		id := "c" + string(rune('1'+i))
		placeOrder(t, store, id)
		q = &fakeQuerier{orders: map[string]types.ExecutionReport{
			id: {Symbol: "BTC-USDT", ClientOrderID: id, Status: types.StatusRejected},
		}}
		reg.Add("binance", q)
		r.ReconcileVenue(context.Background(), "binance")
	}

	if !r.IsStrategyFrozen() {
		t.Error("expected strategy frozen after repeated critical mismatches")
	}
}

func TestReconcileVenueDetectsOrphanAndCancelsWhenEnabled(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	placeOrder(t, store, "c1")

	reg := venue.NewRegistry()
	q := &fakeQuerier{
		orders: map[string]types.ExecutionReport{
			"c1": {Symbol: "BTC-USDT", ClientOrderID: "c1", Status: types.StatusAccepted},
		},
		openOrders: []types.ExecutionReport{
			{Symbol: "BTC-USDT", ClientOrderID: "c1", Status: types.StatusAccepted},
			{Symbol: "BTC-USDT", ClientOrderID: "orphan-1", Status: types.StatusAccepted},
		},
	}
	reg.Add("binance", q)

	cfg := DefaultConfig()
	cfg.AutoCancelOrphaned = true
	r := New(store, reg, cfg, testLogger())
	report := r.ReconcileVenue(context.Background(), "binance")

	if report.OrphanedOrdersFound != 1 || report.OrphanedOrdersCancelled != 1 {
		t.Fatalf("report = %+v, want 1 orphan found and cancelled", report)
	}
	if len(q.cancelCalls) != 1 || q.cancelCalls[0] != "orphan-1" {
		t.Fatalf("cancel calls = %+v, want [orphan-1]", q.cancelCalls)
	}
}

func TestReconcileVenueLeavesOrphanWhenAutoCancelDisabled(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	reg := venue.NewRegistry()
	q := &fakeQuerier{
		openOrders: []types.ExecutionReport{
			{Symbol: "BTC-USDT", ClientOrderID: "orphan-1", Status: types.StatusAccepted},
		},
	}
	reg.Add("binance", q)
	placeOrder(t, store, "c1") // gives findOrphans a symbol to query

	r := New(store, reg, DefaultConfig(), testLogger())
	report := r.ReconcileVenue(context.Background(), "binance")

	if report.OrphanedOrdersFound != 1 || report.OrphanedOrdersCancelled != 0 {
		t.Fatalf("report = %+v, want 1 found, 0 cancelled", report)
	}
	if len(q.cancelCalls) != 0 {
		t.Fatalf("expected no cancel calls, got %+v", q.cancelCalls)
	}
}

func TestResumeStrategyClearsFreezeAndCounters(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg := venue.NewRegistry()
	r := New(store, reg, DefaultConfig(), testLogger())

	r.freezeStrategy("test")
	r.consecutiveMismatches = 2
	if !r.IsStrategyFrozen() {
		t.Fatal("expected frozen")
	}
	r.ResumeStrategy()
	if r.IsStrategyFrozen() {
		t.Error("expected resumed")
	}
	if r.consecutiveMismatches != 0 {
		t.Errorf("consecutiveMismatches = %d after resume, want 0", r.consecutiveMismatches)
	}
}

func TestRecentEventsBoundedAndOrdered(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg := venue.NewRegistry()
	cfg := DefaultConfig()
	cfg.MaxAuditHistory = 3
	r := New(store, reg, cfg, testLogger())

	for i := 0; i < 10; i++ {
		r.emitEvent(Event{Type: EventCompleted, TsNs: int64(i), Message: "tick"})
	}
	events := r.RecentEvents(100)
	if got := len(events); got != 3 {
		t.Fatalf("event history len = %d, want 3", got)
	}
	for i, e := range events {
		if want := int64(7 + i); e.TsNs != want {
			t.Errorf("events[%d].TsNs = %d, want %d (oldest retained first)", i, e.TsNs, want)
		}
	}
}

func TestExportReportJSONRoundTrips(t *testing.T) {
	t.Parallel()
	report := Report{ID: "abc", Venue: "binance", OrdersChecked: 5}
	out, err := ExportReportJSON(report)
	if err != nil {
		t.Fatalf("ExportReportJSON: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty JSON")
	}
	var decoded Report
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != report.ID || decoded.Venue != report.Venue || decoded.OrdersChecked != report.OrdersChecked {
		t.Errorf("round-tripped report = %+v, want %+v", decoded, report)
	}
}

func TestReconcileVenueUnregisteredVenueFails(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	reg := venue.NewRegistry()
	r := New(store, reg, DefaultConfig(), testLogger())

	report := r.ReconcileVenue(context.Background(), "nonexistent")
	if report.Success {
		t.Error("expected failure for unregistered venue")
	}
}
