package router

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"veloz-core/internal/sor"
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
	resp := f.placeResp
	resp.ClientOrderID = req.ClientOrderID
	return resp, f.placeOK
}
func (f *fakeAdapter) Cancel(ctx context.Context, req types.CancelOrderRequest) (types.ExecutionReport, bool) {
	return types.ExecutionReport{ClientOrderID: req.ClientOrderID, Status: types.StatusCanceled}, true
}
func (f *fakeAdapter) IsConnected() bool                 { return f.connected }
func (f *fakeAdapter) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeAdapter) Disconnect() error                 { f.connected = false; return nil }
func (f *fakeAdapter) Name() string                      { return f.name }
func (f *fakeAdapter) Version() string                   { return "fake/1" }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRouter(t *testing.T) (*Router, *sor.ExchangeCoordinator) {
	t.Helper()
	reg := venue.NewRegistry()
	reg.Add("binance", &fakeAdapter{name: "binance", connected: true, placeOK: true, placeResp: types.ExecutionReport{Status: types.StatusFilled, LastFillQty: 1, LastFillPrice: 100}})
	reg.Add("okx", &fakeAdapter{name: "okx", connected: true, placeOK: true, placeResp: types.ExecutionReport{Status: types.StatusFilled, LastFillQty: 1, LastFillPrice: 100}})

	coordinator := sor.NewExchangeCoordinator(reg, testLogger())
	r := New(coordinator, testLogger())
	return r, coordinator
}

func TestScoreVenuesFavorsCheaperFeeVenue(t *testing.T) {
	r, coordinator := newTestRouter(t)
	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("binance", 100, 5, 100.1, 5, 1)
	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("okx", 100, 5, 100.1, 5, 1)

	r.SetFees("binance", ExchangeFees{MakerFee: 0.001, TakerFee: 0.004})
	r.SetFees("okx", ExchangeFees{MakerFee: 0.0005, TakerFee: 0.0005})

	scores := r.ScoreVenues("BTC-USDT", types.Buy, 1)
	if len(scores) != 2 {
		t.Fatalf("len(scores) = %d, want 2", len(scores))
	}

	var okxScore, binanceScore RoutingScore
	for _, s := range scores {
		if s.Venue == "okx" {
			okxScore = s
		} else {
			binanceScore = s
		}
	}
	if okxScore.TotalScore <= binanceScore.TotalScore {
		t.Errorf("expected okx (cheaper fee) to score higher: okx=%v binance=%v", okxScore.TotalScore, binanceScore.TotalScore)
	}
}

func TestRouteOrderFallsBackWhenNoBookData(t *testing.T) {
	r, _ := newTestRouter(t)
	req := types.PlaceOrderRequest{Symbol: "BTC-USDT", Side: types.Buy}

	decision, err := r.RouteOrder(req)
	if err != nil {
		t.Fatalf("RouteOrder: %v", err)
	}
	if decision.Venue == "" {
		t.Errorf("expected a fallback venue decision")
	}
}

func TestSplitOrderRespectsMaxSingleVenuePct(t *testing.T) {
	r, coordinator := newTestRouter(t)
	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("binance", 100, 10, 100.1, 10, 1)
	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("okx", 100, 10, 100.1, 10, 1)

	splits := r.SplitOrder("BTC-USDT", types.Buy, 10, 0.5)
	var total float64
	for _, s := range splits {
		if s.Quantity > 5.0001 && len(splits) > 1 {
			t.Errorf("split %s quantity %v exceeds 50%% cap", s.Venue, s.Quantity)
		}
		total += s.Quantity
	}
	if total < 9.999 || total > 10.001 {
		t.Errorf("total split quantity = %v, want 10", total)
	}
}

func TestSplitOrderCapsAllocationToVisibleLiquidity(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Add("v1", &fakeAdapter{name: "v1", connected: true, placeOK: true})
	reg.Add("v2", &fakeAdapter{name: "v2", connected: true, placeOK: true})
	reg.Add("v3", &fakeAdapter{name: "v3", connected: true, placeOK: true})
	coordinator := sor.NewExchangeCoordinator(reg, testLogger())
	r := New(coordinator, testLogger())

	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("v1", 100, 5, 100.1, 1.0, 1)
	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("v2", 100, 5, 100.1, 2.0, 1)
	coordinator.BookFor("BTC-USDT").UpdateVenueBBO("v3", 100, 5, 100.1, 2.0, 1)

	// Isolate ranking to fee score alone so venues land at 0.95/0.85/0.75 in order.
	r.SetWeights(0, 1, 0, 0, 0)
	r.SetFees("v1", ExchangeFees{TakerFee: 0.0005})
	r.SetFees("v2", ExchangeFees{TakerFee: 0.0015})
	r.SetFees("v3", ExchangeFees{TakerFee: 0.0025})

	splits := r.SplitOrder("BTC-USDT", types.Buy, 2.5, 0.5)
	if len(splits) != 3 {
		t.Fatalf("len(splits) = %d, want 3: %+v", len(splits), splits)
	}

	want := map[types.Venue]float64{"v1": 0.8, "v2": 1.25, "v3": 0.45}
	var total float64
	for _, s := range splits {
		w, ok := want[s.Venue]
		if !ok {
			t.Fatalf("unexpected venue in splits: %s", s.Venue)
		}
		if diff := s.Quantity - w; diff > 0.0001 || diff < -0.0001 {
			t.Errorf("split %s quantity = %v, want %v", s.Venue, s.Quantity, w)
		}
		total += s.Quantity
	}
	if diff := total - 2.5; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("total split quantity = %v, want 2.5", total)
	}
}

func TestExecuteBatchAtomicRollsBackOnFailure(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Add("binance", &fakeAdapter{name: "binance", connected: true, placeOK: true, placeResp: types.ExecutionReport{Status: types.StatusFilled, LastFillQty: 1, LastFillPrice: 100}})
	reg.Add("okx", &fakeAdapter{name: "okx", connected: true, placeOK: false, placeResp: types.ExecutionReport{Status: types.StatusRejected}})
	coordinator := sor.NewExchangeCoordinator(reg, testLogger())
	r := New(coordinator, testLogger())

	batch := BatchOrderRequest{
		Atomic: true,
		Orders: []types.PlaceOrderRequest{
			{Symbol: "BTC-USDT", Side: types.Buy, Venue: "binance", ClientOrderID: "a"},
			{Symbol: "BTC-USDT", Side: types.Buy, Venue: "okx", ClientOrderID: "b"},
		},
	}

	result := r.ExecuteBatch(context.Background(), batch)
	if result.SuccessCount != 0 || result.FailureCount != 2 {
		t.Errorf("expected atomic rollback to zero out successes, got success=%d failure=%d", result.SuccessCount, result.FailureCount)
	}
}

func TestExecuteBatchNonAtomicKeepsPartialSuccess(t *testing.T) {
	reg := venue.NewRegistry()
	reg.Add("binance", &fakeAdapter{name: "binance", connected: true, placeOK: true, placeResp: types.ExecutionReport{Status: types.StatusFilled, LastFillQty: 1, LastFillPrice: 100}})
	reg.Add("okx", &fakeAdapter{name: "okx", connected: true, placeOK: false, placeResp: types.ExecutionReport{Status: types.StatusRejected}})
	coordinator := sor.NewExchangeCoordinator(reg, testLogger())
	r := New(coordinator, testLogger())

	batch := BatchOrderRequest{
		Orders: []types.PlaceOrderRequest{
			{Symbol: "BTC-USDT", Side: types.Buy, Venue: "binance", ClientOrderID: "a"},
			{Symbol: "BTC-USDT", Side: types.Buy, Venue: "okx", ClientOrderID: "b"},
		},
	}

	result := r.ExecuteBatch(context.Background(), batch)
	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Errorf("expected 1 success and 1 failure, got success=%d failure=%d", result.SuccessCount, result.FailureCount)
	}
}

func TestRecordExecutionUpdatesVenueQualityAndAnalytics(t *testing.T) {
	r, _ := newTestRouter(t)

	r.RecordExecution("binance", types.ExecutionReport{Status: types.StatusFilled, LastFillQty: 1, LastFillPrice: 101}, 100, 0)
	quality, ok := r.GetVenueQuality("binance")
	if !ok {
		t.Fatalf("expected quality recorded for binance")
	}
	if quality.Slippage <= 0 {
		t.Errorf("expected positive slippage (filled above expected price), got %v", quality.Slippage)
	}

	analytics := r.Analytics()
	if analytics.TotalOrders != 1 || analytics.FilledOrders != 1 {
		t.Errorf("analytics = %+v, want 1 total/1 filled", analytics)
	}

	r.ResetAnalytics()
	if r.Analytics().TotalOrders != 0 {
		t.Errorf("expected ResetAnalytics to zero TotalOrders")
	}
}

func TestCancelMergedCancelsEveryClientOrderID(t *testing.T) {
	r, _ := newTestRouter(t)
	req := CancelMergeRequest{Venue: "binance", Symbol: "BTC-USDT", ClientOrderIDs: []string{"a", "b", "c"}}

	reports := r.CancelMerged(context.Background(), req)
	if len(reports) != 3 {
		t.Fatalf("len(reports) = %d, want 3", len(reports))
	}
	for i, rep := range reports {
		if rep == nil || rep.Status != types.StatusCanceled {
			t.Errorf("report[%d] = %+v, want a CANCELED report", i, rep)
		}
	}
}
