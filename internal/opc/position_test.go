package opc

import (
	"testing"

	"veloz-core/pkg/types"
)

func TestPositionExtendComputesWeightedAverage(t *testing.T) {
	p := NewPosition("binance", "BTC-USDT")
	p.ApplyFill(types.Buy, 1, 100, 1, "o1")
	p.ApplyFill(types.Buy, 1, 200, 2, "o2")

	snap := p.Snapshot()
	if snap.Size != 2 {
		t.Fatalf("size = %v, want 2", snap.Size)
	}
	if snap.AvgPrice != 150 {
		t.Fatalf("avg_price = %v, want 150", snap.AvgPrice)
	}
}

func TestPositionReduceRealizesPnLAtVWAP(t *testing.T) {
	p := NewPosition("binance", "BTC-USDT")
	p.ApplyFill(types.Buy, 2, 100, 1, "o1")
	p.ApplyFill(types.Sell, 1, 120, 2, "o2")

	snap := p.Snapshot()
	if snap.Size != 1 {
		t.Fatalf("size = %v, want 1", snap.Size)
	}
	if snap.AvgPrice != 100 {
		t.Fatalf("avg_price changed on partial reduce: %v, want 100", snap.AvgPrice)
	}
	if snap.RealizedPnL != 20 {
		t.Fatalf("realized_pnl = %v, want 20", snap.RealizedPnL)
	}
}

func TestPositionClosesToFlatResetsVWAP(t *testing.T) {
	p := NewPosition("binance", "BTC-USDT")
	p.ApplyFill(types.Buy, 1, 100, 1, "o1")
	p.ApplyFill(types.Sell, 1, 110, 2, "o2")

	snap := p.Snapshot()
	if snap.Size != 0 {
		t.Fatalf("size = %v, want 0", snap.Size)
	}
	if snap.AvgPrice != 0 {
		t.Fatalf("avg_price = %v, want 0 on flat", snap.AvgPrice)
	}
	if snap.RealizedPnL != 10 {
		t.Fatalf("realized_pnl = %v, want 10", snap.RealizedPnL)
	}
}

func TestPositionFlipOpensOppositeSideAtFillPrice(t *testing.T) {
	p := NewPosition("binance", "BTC-USDT")
	p.ApplyFill(types.Buy, 1, 100, 1, "o1")
	p.ApplyFill(types.Sell, 3, 90, 2, "o2") // closes the long, opens a 2-unit short

	snap := p.Snapshot()
	if snap.Size != -2 {
		t.Fatalf("size = %v, want -2", snap.Size)
	}
	if snap.AvgPrice != 90 {
		t.Fatalf("avg_price = %v, want 90", snap.AvgPrice)
	}
	if snap.RealizedPnL != -10 {
		t.Fatalf("realized_pnl = %v, want -10", snap.RealizedPnL)
	}
}

func TestAggregateAcrossVenuesMatchesSingleVenue(t *testing.T) {
	book := NewPositionBook()
	pos := book.Get("binance", "BTC-USDT")
	pos.ApplyFill(types.Buy, 1, 100, 1, "o1")

	agg := book.Aggregate("BTC-USDT")
	single := pos.Snapshot()
	if agg.Size != single.Size || agg.AvgPrice != single.AvgPrice {
		t.Fatalf("single-venue aggregate mismatch: agg=%+v single=%+v", agg, single)
	}
}

func TestAggregateSumsMultipleVenues(t *testing.T) {
	book := NewPositionBook()
	book.Get("binance", "BTC-USDT").ApplyFill(types.Buy, 1, 100, 1, "o1")
	book.Get("okx", "BTC-USDT").ApplyFill(types.Buy, 1, 200, 1, "o2")

	agg := book.Aggregate("BTC-USDT")
	if agg.Size != 2 {
		t.Fatalf("size = %v, want 2", agg.Size)
	}
	if agg.AvgPrice != 150 {
		t.Fatalf("avg_price = %v, want 150", agg.AvgPrice)
	}
}
