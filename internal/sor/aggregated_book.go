package sor

import (
	"sort"
	"sync"
	"time"

	"veloz-core/pkg/types"
)

// VenueBBO is the best bid/ask reported by one venue for one symbol.
type VenueBBO struct {
	Venue     types.Venue
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
	TsNs      int64
	IsStale   bool
}

// AggregatedBBO is the best bid/ask across every venue carrying a
// symbol, with the per-venue breakdown that produced it.
type AggregatedBBO struct {
	BestBidPrice float64
	BestBidQty   float64
	BestBidVenue types.Venue

	BestAskPrice float64
	BestAskQty   float64
	BestAskVenue types.Venue

	Spread   float64
	MidPrice float64

	Venues []VenueBBO
}

// AggregatedLevel merges one price level across venues, preserving the
// per-venue quantity breakdown.
type AggregatedLevel struct {
	Price          float64
	TotalQty       float64
	VenueBreakdown []VenueQty
}

// VenueQty pairs a venue with a quantity contribution.
type VenueQty struct {
	Venue types.Venue
	Qty   float64
}

// StalenessConfig controls when a venue's book data is considered out
// of date.
type StalenessConfig struct {
	MaxAge     time.Duration
	WarningAge time.Duration
}

// DefaultStalenessConfig matches the spec's defaults: data is stale
// after 5 seconds, warned about after 2.
func DefaultStalenessConfig() StalenessConfig {
	return StalenessConfig{MaxAge: 5 * time.Second, WarningAge: 2 * time.Second}
}

type venueBook struct {
	bids        []types.BookLevel
	asks        []types.BookLevel
	bbo         VenueBBO
	lastUpdateNs int64
}

// AggregatedOrderBook merges order books from multiple venues for one
// symbol into a single cross-venue view, used by the coordinator's
// best-price and balanced routing strategies.
type AggregatedOrderBook struct {
	mu     sync.RWMutex
	venues map[types.Venue]*venueBook
	cfg    StalenessConfig
}

// NewAggregatedOrderBook creates an empty book with default staleness settings.
func NewAggregatedOrderBook() *AggregatedOrderBook {
	return &AggregatedOrderBook{
		venues: make(map[types.Venue]*venueBook),
		cfg:    DefaultStalenessConfig(),
	}
}

// SetStalenessConfig overrides the default staleness thresholds.
func (b *AggregatedOrderBook) SetStalenessConfig(cfg StalenessConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// UpdateVenue replaces venue's full book snapshot.
func (b *AggregatedOrderBook) UpdateVenue(venueName types.Venue, bids, asks []types.BookLevel, timestampNs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	vb, ok := b.venues[venueName]
	if !ok {
		vb = &venueBook{}
		b.venues[venueName] = vb
	}
	vb.bids = bids
	vb.asks = asks
	vb.lastUpdateNs = timestampNs
	vb.bbo = bboFromLevels(venueName, bids, asks, timestampNs)
}

// UpdateVenueBBO updates only the top of book for venue, the cheaper
// path for strategies that only need best bid/ask.
func (b *AggregatedOrderBook) UpdateVenueBBO(venueName types.Venue, bidPrice, bidQty, askPrice, askQty float64, timestampNs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	vb, ok := b.venues[venueName]
	if !ok {
		vb = &venueBook{}
		b.venues[venueName] = vb
	}
	vb.lastUpdateNs = timestampNs
	vb.bbo = VenueBBO{Venue: venueName, BidPrice: bidPrice, BidQty: bidQty, AskPrice: askPrice, AskQty: askQty, TsNs: timestampNs}
}

func bboFromLevels(venueName types.Venue, bids, asks []types.BookLevel, tsNs int64) VenueBBO {
	bbo := VenueBBO{Venue: venueName, TsNs: tsNs}
	if len(bids) > 0 {
		bbo.BidPrice = bids[0].Price
		bbo.BidQty = bids[0].Qty
	}
	if len(asks) > 0 {
		bbo.AskPrice = asks[0].Price
		bbo.AskQty = asks[0].Qty
	}
	return bbo
}

// GetAggregatedBBO computes the best bid/ask across every non-stale venue.
func (b *AggregatedOrderBook) GetAggregatedBBO() AggregatedBBO {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var agg AggregatedBBO
	agg.Venues = make([]VenueBBO, 0, len(b.venues))

	for _, vb := range b.venues {
		bbo := vb.bbo
		agg.Venues = append(agg.Venues, bbo)
		if bbo.IsStale {
			continue
		}
		if bbo.BidPrice > agg.BestBidPrice {
			agg.BestBidPrice = bbo.BidPrice
			agg.BestBidQty = bbo.BidQty
			agg.BestBidVenue = bbo.Venue
		}
		if agg.BestAskPrice == 0 || (bbo.AskPrice > 0 && bbo.AskPrice < agg.BestAskPrice) {
			agg.BestAskPrice = bbo.AskPrice
			agg.BestAskQty = bbo.AskQty
			agg.BestAskVenue = bbo.Venue
		}
	}

	if agg.BestBidPrice > 0 && agg.BestAskPrice > 0 {
		agg.Spread = agg.BestAskPrice - agg.BestBidPrice
		agg.MidPrice = (agg.BestAskPrice + agg.BestBidPrice) / 2
	}
	return agg
}

// priceKey scales a price to an 8-decimal integer so merged levels from
// different venues collapse on an exact key instead of float equality.
func priceKey(price float64) int64 {
	return int64(price*1e8 + 0.5)
}

func (b *AggregatedOrderBook) aggregatedSide(depth int, pickSide func(*venueBook) []types.BookLevel, descending bool) []AggregatedLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	merged := make(map[int64]*AggregatedLevel)
	for venueName, vb := range b.venues {
		for _, lvl := range pickSide(vb) {
			key := priceKey(lvl.Price)
			agg, ok := merged[key]
			if !ok {
				agg = &AggregatedLevel{Price: lvl.Price}
				merged[key] = agg
			}
			agg.TotalQty += lvl.Qty
			agg.VenueBreakdown = append(agg.VenueBreakdown, VenueQty{Venue: venueName, Qty: lvl.Qty})
		}
	}

	out := make([]AggregatedLevel, 0, len(merged))
	for _, agg := range merged {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > depth {
		out = out[:depth]
	}
	return out
}

// GetAggregatedBids returns the merged bid levels across all venues,
// best (highest) price first, capped at depth.
func (b *AggregatedOrderBook) GetAggregatedBids(depth int) []AggregatedLevel {
	return b.aggregatedSide(depth, func(vb *venueBook) []types.BookLevel { return vb.bids }, true)
}

// GetAggregatedAsks returns the merged ask levels across all venues,
// best (lowest) price first, capped at depth.
func (b *AggregatedOrderBook) GetAggregatedAsks(depth int) []AggregatedLevel {
	return b.aggregatedSide(depth, func(vb *venueBook) []types.BookLevel { return vb.asks }, false)
}

// VenueBBOOf returns one venue's BBO, if tracked.
func (b *AggregatedOrderBook) VenueBBOOf(venueName types.Venue) (VenueBBO, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	vb, ok := b.venues[venueName]
	if !ok {
		return VenueBBO{}, false
	}
	return vb.bbo, true
}

// HasVenue reports whether venue has any data.
func (b *AggregatedOrderBook) HasVenue(venueName types.Venue) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.venues[venueName]
	return ok
}

// MarkStale flags venue's current data as stale without removing it,
// e.g. on adapter disconnect.
func (b *AggregatedOrderBook) MarkStale(venueName types.Venue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vb, ok := b.venues[venueName]; ok {
		vb.bbo.IsStale = true
	}
}

// RemoveVenue drops all data for venue.
func (b *AggregatedOrderBook) RemoveVenue(venueName types.Venue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.venues, venueName)
}

// CheckStaleness marks every venue whose last update predates
// currentTimeNs-MaxAge as stale.
func (b *AggregatedOrderBook) CheckStaleness(currentTimeNs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	maxAgeNs := b.cfg.MaxAge.Nanoseconds()
	for _, vb := range b.venues {
		if currentTimeNs-vb.lastUpdateNs > maxAgeNs {
			vb.bbo.IsStale = true
		}
	}
}

// Clear removes every venue's data.
func (b *AggregatedOrderBook) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.venues = make(map[types.Venue]*venueBook)
}
