package opc

import (
	"sync"

	"veloz-core/pkg/types"
)

// CostBasisMethod selects how realized P&L is computed on a reducing
// fill. Grounded on original_source's veloz::oms::CostBasisMethod.
type CostBasisMethod uint8

const (
	WeightedAverage CostBasisMethod = iota
	FIFO
)

// positionLot is one entry lot, used only in FIFO mode.
type positionLot struct {
	Qty       float64 // always positive; sign tracked by the lot's side
	Price     float64
	Long      bool
	TsNs      int64
	OrderID   string
}

// Position is the per-(venue,symbol) state described in spec §3: signed
// size (>0 long, <0 short), weighted-average entry price, realized P&L,
// last-update timestamp.
type Position struct {
	mu sync.RWMutex

	Venue    types.Venue
	Symbol   types.Symbol
	method   CostBasisMethod

	size         float64
	avgPrice     float64
	realizedPnL  float64
	lastUpdateNs int64
	markPrice    float64
	haveMark     bool

	lots []positionLot
}

// NewPosition creates an empty position for (venue, symbol).
func NewPosition(venue types.Venue, symbol types.Symbol) *Position {
	return &Position{Venue: venue, Symbol: symbol}
}

// SetCostBasisMethod switches between weighted-average and FIFO
// accounting. Changing method mid-life is allowed but only affects
// subsequent fills.
func (p *Position) SetCostBasisMethod(m CostBasisMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.method = m
}

// ApplyFill updates the position for a fill of qty@price on side, per
// §4.1.3: reducing fills realize P&L on the closed quantity at the stored
// VWAP; extending fills update VWAP as a weighted average on |size|;
// closing to |size|<ε resets VWAP to zero.
func (p *Position) ApplyFill(side types.Side, qty, price float64, tsNs int64, orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signed := qty
	if side == types.Sell {
		signed = -qty
	}

	switch {
	case p.size == 0 || sameSign(p.size, signed):
		p.extend(signed, price)
		if p.method == FIFO {
			p.lots = append(p.lots, positionLot{Qty: qty, Price: price, Long: signed > 0, TsNs: tsNs, OrderID: orderID})
		}
	default:
		p.reduce(signed, price, qty)
	}

	p.lastUpdateNs = tsNs
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func (p *Position) extend(signedQty, price float64) {
	newSize := p.size + signedQty
	if quantitiesEqual(p.size, 0) {
		p.avgPrice = price
	} else {
		absOld := absF(p.size)
		absNew := absF(newSize)
		p.avgPrice = (p.avgPrice*absOld + price*absF(signedQty)) / absNew
	}
	p.size = newSize
}

// reduce handles a fill on the opposite side of the current position,
// realizing P&L on the closed portion and, if the fill exceeds the
// current size, flipping to the new side with a fresh VWAP.
func (p *Position) reduce(signedQty, price, fillQty float64) {
	closingQty := minF(absF(p.size), fillQty)

	var pnlPerUnit float64
	if p.size > 0 {
		pnlPerUnit = price - p.avgPrice // was long, selling
	} else {
		pnlPerUnit = p.avgPrice - price // was short, buying back
	}
	if p.method == FIFO {
		// Realize against the oldest lots first; any quantity the lots do
		// not cover (e.g. opened before FIFO was selected) uses the VWAP.
		remaining := closingQty
		for _, lot := range p.lots {
			if remaining <= qtyEpsilon {
				break
			}
			q := minF(lot.Qty, remaining)
			if lot.Long {
				p.realizedPnL += (price - lot.Price) * q
			} else {
				p.realizedPnL += (lot.Price - price) * q
			}
			remaining -= q
		}
		if remaining > qtyEpsilon {
			p.realizedPnL += pnlPerUnit * remaining
		}
	} else {
		p.realizedPnL += pnlPerUnit * closingQty
	}

	if p.method == FIFO {
		p.consumeLotsFIFO(closingQty)
	}

	newSize := p.size + signedQty
	if quantitiesEqual(newSize, 0) {
		p.size = 0
		p.avgPrice = 0
		return
	}

	if sameSign(newSize, p.size) {
		// Partial reduce: side unchanged, VWAP unchanged.
		p.size = newSize
		return
	}

	// Flip: the fill was larger than the remaining position. The
	// remainder opens a new position on the other side at the fill price.
	p.size = newSize
	p.avgPrice = price
	if p.method == FIFO {
		p.lots = nil
	}
}

func (p *Position) consumeLotsFIFO(qtyToConsume float64) {
	for qtyToConsume > qtyEpsilon && len(p.lots) > 0 {
		lot := &p.lots[0]
		if lot.Qty <= qtyToConsume+qtyEpsilon {
			qtyToConsume -= lot.Qty
			p.lots = p.lots[1:]
		} else {
			lot.Qty -= qtyToConsume
			qtyToConsume = 0
		}
	}
}

// SetMarkPrice records the last-observed mark price used to lazily
// compute unrealized P&L.
func (p *Position) SetMarkPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markPrice = price
	p.haveMark = true
}

// PositionSnapshot is a consistent point-in-time view of a position, as
// returned by Position.Snapshot.
type PositionSnapshot struct {
	Venue        types.Venue
	Symbol       types.Symbol
	Size         float64
	AvgPrice     float64
	RealizedPnL  float64
	UnrealizedPnL float64
	LastUpdateNs int64
}

func (p *Position) Snapshot() PositionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var unrealized float64
	if p.haveMark && p.size != 0 {
		if p.size > 0 {
			unrealized = (p.markPrice - p.avgPrice) * p.size
		} else {
			unrealized = (p.avgPrice - p.markPrice) * -p.size
		}
	}
	return PositionSnapshot{
		Venue:         p.Venue,
		Symbol:        p.Symbol,
		Size:          p.size,
		AvgPrice:      p.avgPrice,
		RealizedPnL:   p.realizedPnL,
		UnrealizedPnL: unrealized,
		LastUpdateNs:  p.lastUpdateNs,
	}
}

func (p *Position) LotCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.lots)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// AggregatedPosition sums per-venue positions for one symbol, per §3.
type AggregatedPosition struct {
	Symbol              types.Symbol
	Size                float64
	AvgPrice            float64
	RealizedPnL         float64
	UnrealizedPnL       float64
}

// PositionBook tracks every (venue,symbol) position and aggregates them
// per symbol on demand.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[types.Venue]map[types.Symbol]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[types.Venue]map[types.Symbol]*Position)}
}

func (b *PositionBook) Get(venue types.Venue, symbol types.Symbol) *Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	bySymbol, ok := b.positions[venue]
	if !ok {
		bySymbol = make(map[types.Symbol]*Position)
		b.positions[venue] = bySymbol
	}
	pos, ok := bySymbol[symbol]
	if !ok {
		pos = NewPosition(venue, symbol)
		bySymbol[symbol] = pos
	}
	return pos
}

// Aggregate sums every venue's position for symbol into one
// AggregatedPosition, per the §8 "Aggregation" law (single-venue position
// equals its own aggregate).
func (b *PositionBook) Aggregate(symbol types.Symbol) AggregatedPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	agg := AggregatedPosition{Symbol: symbol}
	var totalAbsSize float64
	var weightedPriceSum float64

	for _, bySymbol := range b.positions {
		pos, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		snap := pos.Snapshot()
		agg.Size += snap.Size
		agg.RealizedPnL += snap.RealizedPnL
		agg.UnrealizedPnL += snap.UnrealizedPnL
		totalAbsSize += absF(snap.Size)
		weightedPriceSum += snap.AvgPrice * absF(snap.Size)
	}
	if totalAbsSize > 0 {
		agg.AvgPrice = weightedPriceSum / totalAbsSize
	}
	return agg
}

func (b *PositionBook) All(venue types.Venue) []PositionSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bySymbol, ok := b.positions[venue]
	if !ok {
		return nil
	}
	out := make([]PositionSnapshot, 0, len(bySymbol))
	for _, pos := range bySymbol {
		out = append(out, pos.Snapshot())
	}
	return out
}
