package sor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"veloz-core/internal/venue"
	"veloz-core/pkg/types"
)

// RoutingStrategy selects which venue an order is sent to when more
// than one venue carries the symbol.
type RoutingStrategy string

const (
	// StrategyBestPrice routes to the venue with the best top-of-book
	// price for the order's side.
	StrategyBestPrice RoutingStrategy = "best_price"
	// StrategyLowestLatency routes to the venue with the best recorded
	// p50 round-trip latency, ignoring price.
	StrategyLowestLatency RoutingStrategy = "lowest_latency"
	// StrategyBalanced blends price and latency into a single score.
	StrategyBalanced RoutingStrategy = "balanced"
	// StrategyRoundRobin cycles through connected venues in turn.
	StrategyRoundRobin RoutingStrategy = "round_robin"
	// StrategyWeightedRandom picks a connected venue at random, weighted
	// by inverse latency.
	StrategyWeightedRandom RoutingStrategy = "weighted_random"
)

// RoutingDecision is the outcome of a venue-selection pass: which venue
// was chosen, and why, for observability and post-hoc audit.
type RoutingDecision struct {
	Venue     types.Venue
	Strategy  RoutingStrategy
	Reason    string
	Candidates []types.Venue
}

// ExchangeStatus summarizes one venue's health as seen by the coordinator.
type ExchangeStatus struct {
	Venue       types.Venue
	Connected   bool
	Latency     LatencyStats
	HasLatency  bool
}

// ExchangeCoordinator is the Smart Order Router's venue-selection and
// dispatch layer: it holds the adapter registry, the cross-venue
// aggregated book, and the latency tracker, and decides which venue
// receives each order. internal/router builds execution-quality
// scoring and order splitting on top of this.
type ExchangeCoordinator struct {
	registry *venue.Registry
	book     map[types.Symbol]*AggregatedOrderBook
	bookMu   sync.RWMutex
	latency  *LatencyTracker
	logger   *slog.Logger

	rrCounter atomic.Uint64
	rng       *rand.Rand
	rngMu     sync.Mutex
}

// NewExchangeCoordinator wires a registry and logger into a coordinator
// with a fresh latency tracker and per-symbol aggregated books.
func NewExchangeCoordinator(registry *venue.Registry, logger *slog.Logger) *ExchangeCoordinator {
	return &ExchangeCoordinator{
		registry: registry,
		book:     make(map[types.Symbol]*AggregatedOrderBook),
		latency:  NewLatencyTracker(),
		logger:   logger.With("component", "sor"),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// BookFor returns the aggregated order book for symbol, creating one if
// this is the first time it's been seen.
func (c *ExchangeCoordinator) BookFor(symbol types.Symbol) *AggregatedOrderBook {
	c.bookMu.RLock()
	b, ok := c.book[symbol]
	c.bookMu.RUnlock()
	if ok {
		return b
	}

	c.bookMu.Lock()
	defer c.bookMu.Unlock()
	if b, ok := c.book[symbol]; ok {
		return b
	}
	b = NewAggregatedOrderBook()
	c.book[symbol] = b
	return b
}

// UpdateBook ingests a full book snapshot from one venue's market-data feed.
func (c *ExchangeCoordinator) UpdateBook(snapshot types.BookSnapshot, timestampNs int64) {
	c.BookFor(snapshot.Symbol).UpdateVenue(snapshot.Venue, snapshot.Bids, snapshot.Asks, timestampNs)
}

// UpdateBBO ingests a top-of-book update from one venue's market-data feed.
func (c *ExchangeCoordinator) UpdateBBO(symbol types.Symbol, venueName types.Venue, bidPrice, bidQty, askPrice, askQty float64, timestampNs int64) {
	c.BookFor(symbol).UpdateVenueBBO(venueName, bidPrice, bidQty, askPrice, askQty, timestampNs)
}

// RecordLatency feeds one round-trip measurement into the latency tracker.
func (c *ExchangeCoordinator) RecordLatency(venueName types.Venue, latency time.Duration, at time.Time) {
	c.latency.RecordLatency(venueName, latency, at)
}

// Latency exposes the coordinator's latency tracker for direct queries
// (e.g. from the router's scoring stage).
func (c *ExchangeCoordinator) Latency() *LatencyTracker { return c.latency }

// Status reports the coordinator's view of every registered venue.
func (c *ExchangeCoordinator) Status() []ExchangeStatus {
	venues := c.registry.All()
	out := make([]ExchangeStatus, 0, len(venues))
	for _, v := range venues {
		a, _ := c.registry.Get(v)
		stats, hasLatency := c.latency.Stats(v)
		out = append(out, ExchangeStatus{
			Venue:      v,
			Connected:  a.IsConnected(),
			Latency:    stats,
			HasLatency: hasLatency,
		})
	}
	return out
}

// candidateVenues returns every connected venue that explicit req.Venue
// doesn't already pin, or just that one venue if it's set and connected.
func (c *ExchangeCoordinator) candidateVenues(pinned types.Venue) ([]types.Venue, error) {
	if pinned != "" {
		a, ok := c.registry.Get(pinned)
		if !ok {
			return nil, fmt.Errorf("sor: unknown venue %q", pinned)
		}
		if !a.IsConnected() {
			return nil, fmt.Errorf("sor: venue %q is disconnected", pinned)
		}
		return []types.Venue{pinned}, nil
	}

	connected := c.registry.Connected()
	if len(connected) == 0 {
		return nil, fmt.Errorf("sor: no connected venues")
	}
	return connected, nil
}

// SelectVenue chooses a venue for req under strategy, consulting the
// symbol's aggregated book and the latency tracker as the strategy
// requires.
func (c *ExchangeCoordinator) SelectVenue(req types.PlaceOrderRequest, strategy RoutingStrategy) (RoutingDecision, error) {
	candidates, err := c.candidateVenues(req.Venue)
	if err != nil {
		return RoutingDecision{}, err
	}
	if len(candidates) == 1 {
		return RoutingDecision{Venue: candidates[0], Strategy: strategy, Reason: "only candidate", Candidates: candidates}, nil
	}

	switch strategy {
	case StrategyLowestLatency:
		return c.selectLowestLatency(candidates, strategy)
	case StrategyBalanced:
		return c.selectBalanced(req, candidates, strategy)
	case StrategyRoundRobin:
		return c.selectRoundRobin(candidates, strategy), nil
	case StrategyWeightedRandom:
		return c.selectWeightedRandom(candidates, strategy), nil
	case StrategyBestPrice:
		fallthrough
	default:
		return c.selectBestPrice(req, candidates, strategy)
	}
}

func (c *ExchangeCoordinator) selectBestPrice(req types.PlaceOrderRequest, candidates []types.Venue, strategy RoutingStrategy) (RoutingDecision, error) {
	agg := c.BookFor(req.Symbol).GetAggregatedBBO()

	var chosen types.Venue
	if req.Side == types.Buy {
		chosen = agg.BestAskVenue
	} else {
		chosen = agg.BestBidVenue
	}

	if chosen == "" || !venueIn(candidates, chosen) {
		chosen = candidates[0]
		return RoutingDecision{Venue: chosen, Strategy: strategy, Reason: "no aggregated price data, fell back to first candidate", Candidates: candidates}, nil
	}
	return RoutingDecision{Venue: chosen, Strategy: strategy, Reason: "best aggregated top-of-book price", Candidates: candidates}, nil
}

func (c *ExchangeCoordinator) selectLowestLatency(candidates []types.Venue, strategy RoutingStrategy) (RoutingDecision, error) {
	best := candidates[0]
	bestLatency := time.Duration(-1)
	for _, v := range candidates {
		stats, ok := c.latency.Stats(v)
		if !ok {
			continue
		}
		if bestLatency < 0 || stats.P50 < bestLatency {
			bestLatency = stats.P50
			best = v
		}
	}
	return RoutingDecision{Venue: best, Strategy: strategy, Reason: "lowest recorded p50 latency", Candidates: candidates}, nil
}

func (c *ExchangeCoordinator) selectBalanced(req types.PlaceOrderRequest, candidates []types.Venue, strategy RoutingStrategy) (RoutingDecision, error) {
	agg := c.BookFor(req.Symbol).GetAggregatedBBO()

	type scored struct {
		venue types.Venue
		score float64
	}
	var best *scored

	for _, v := range candidates {
		priceScore := 0.0
		var vbbo *VenueBBO
		for i := range agg.Venues {
			if agg.Venues[i].Venue == v {
				vbbo = &agg.Venues[i]
				break
			}
		}
		if vbbo != nil && !vbbo.IsStale {
			var price float64
			if req.Side == types.Buy {
				price = vbbo.AskPrice
			} else {
				price = vbbo.BidPrice
			}
			if price > 0 && agg.MidPrice > 0 {
				priceScore = 1 - absf(price-agg.MidPrice)/agg.MidPrice
			}
		}

		latencyScore := 0.5
		if stats, ok := c.latency.Stats(v); ok && stats.P50 > 0 {
			latencyScore = 1 / (1 + stats.P50.Seconds())
		}

		total := 0.6*priceScore + 0.4*latencyScore
		if best == nil || total > best.score {
			best = &scored{venue: v, score: total}
		}
	}

	return RoutingDecision{Venue: best.venue, Strategy: strategy, Reason: "weighted price/latency score", Candidates: candidates}, nil
}

func (c *ExchangeCoordinator) selectRoundRobin(candidates []types.Venue, strategy RoutingStrategy) RoutingDecision {
	idx := c.rrCounter.Add(1) - 1
	chosen := candidates[int(idx)%len(candidates)]
	return RoutingDecision{Venue: chosen, Strategy: strategy, Reason: "round robin rotation", Candidates: candidates}
}

func (c *ExchangeCoordinator) selectWeightedRandom(candidates []types.Venue, strategy RoutingStrategy) RoutingDecision {
	weights := make([]float64, len(candidates))
	var total float64
	for i, v := range candidates {
		w := 1.0
		if stats, ok := c.latency.Stats(v); ok && stats.P50 > 0 {
			w = 1 / stats.P50.Seconds()
		}
		weights[i] = w
		total += w
	}

	c.rngMu.Lock()
	r := c.rng.Float64() * total
	c.rngMu.Unlock()

	var cum float64
	chosen := candidates[len(candidates)-1]
	for i, w := range weights {
		cum += w
		if r <= cum {
			chosen = candidates[i]
			break
		}
	}
	return RoutingDecision{Venue: chosen, Strategy: strategy, Reason: "inverse-latency weighted random draw", Candidates: candidates}
}

func venueIn(venues []types.Venue, v types.Venue) bool {
	for _, x := range venues {
		if x == v {
			return true
		}
	}
	return false
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// PlaceOrder selects a venue per strategy and dispatches req to its
// adapter, recording round-trip latency on return.
func (c *ExchangeCoordinator) PlaceOrder(ctx context.Context, req types.PlaceOrderRequest, strategy RoutingStrategy) (types.ExecutionReport, RoutingDecision, bool) {
	decision, err := c.SelectVenue(req, strategy)
	if err != nil {
		c.logger.Warn("venue selection failed", "symbol", string(req.Symbol), "error", err)
		return types.ExecutionReport{}, RoutingDecision{}, false
	}

	a, ok := c.registry.Get(decision.Venue)
	if !ok {
		c.logger.Error("selected venue has no adapter registered", "venue", string(decision.Venue))
		return types.ExecutionReport{}, decision, false
	}

	start := time.Now()
	report, accepted := a.Place(ctx, req)
	c.RecordLatency(decision.Venue, time.Since(start), time.Now())

	return report, decision, accepted
}

// CancelOrder cancels req on venueName's adapter, recording round-trip latency.
func (c *ExchangeCoordinator) CancelOrder(ctx context.Context, venueName types.Venue, req types.CancelOrderRequest) (types.ExecutionReport, bool) {
	a, ok := c.registry.Get(venueName)
	if !ok {
		c.logger.Error("cancel: unknown venue", "venue", string(venueName))
		return types.ExecutionReport{}, false
	}

	start := time.Now()
	report, accepted := a.Cancel(ctx, req)
	c.RecordLatency(venueName, time.Since(start), time.Now())
	return report, accepted
}
