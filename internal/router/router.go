// Package router implements the Smart Order Router's scoring and
// execution layer on top of internal/sor's exchange coordinator: per-
// venue fee/price/latency/liquidity/reliability scoring, large-order
// splitting, batch execution, cancel merging, and execution-quality
// analytics.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"veloz-core/internal/sor"
	"veloz-core/pkg/types"
)

// ExchangeFees describes one venue's maker/taker fee schedule.
type ExchangeFees struct {
	MakerFee      float64
	TakerFee      float64
	WithdrawalFee float64
	FeeInQuote    bool
}

// DefaultExchangeFees matches the conservative 10bps/10bps default
// every venue starts with until overridden by configuration.
func DefaultExchangeFees() ExchangeFees {
	return ExchangeFees{MakerFee: 0.001, TakerFee: 0.001, FeeInQuote: true}
}

// ExecutionQuality is the running average of one venue's realized
// execution behavior, fed by RecordExecution.
type ExecutionQuality struct {
	Slippage         float64
	FillRate         float64
	ExecutionTime    time.Duration
	EffectiveFee     float64
	PriceImprovement float64
}

// RoutingScore is the full breakdown behind one venue's routing score,
// kept for observability/audit rather than just the winning venue.
type RoutingScore struct {
	Venue            types.Venue
	TotalScore       float64
	PriceScore       float64
	FeeScore         float64
	LatencyScore     float64
	LiquidityScore   float64
	ReliabilityScore float64
	Explanation      string
}

// OrderSplit is one venue's slice of a large order split across
// multiple venues.
type OrderSplit struct {
	Venue         types.Venue
	Quantity      float64
	ExpectedPrice float64
	ExpectedFee   float64
}

// BatchOrderRequest groups several place requests for one dispatch
// call. Atomic batches fail entirely if any leg is rejected.
type BatchOrderRequest struct {
	Orders []types.PlaceOrderRequest
	Atomic bool
}

// BatchOrderResult is the per-leg outcome of a batch dispatch.
type BatchOrderResult struct {
	Reports      []*types.ExecutionReport
	SuccessCount int
	FailureCount int
}

// CancelMergeRequest batches several cancels against one venue/symbol
// into a single routing pass.
type CancelMergeRequest struct {
	Venue         types.Venue
	Symbol        types.Symbol
	ClientOrderIDs []string
}

// ExecutionAnalytics is the router's cumulative execution scoreboard,
// reset independently of any one venue's quality stats.
type ExecutionAnalytics struct {
	TotalOrders          int
	FilledOrders         int
	PartialFills         int
	RejectedOrders       int
	TotalVolume          float64
	TotalFees            float64
	AverageSlippage      float64
	AverageFillRate      float64
	AverageExecutionTime time.Duration
}

type venueQuality struct {
	sampleCount        int
	totalSlippage      float64
	totalFillRate      float64
	totalExecutionNs   int64
	totalFees          float64
	successCount       int
	failureCount       int
}

// Router is the Smart Order Router: it scores every candidate venue
// for an order, decides whether and how to split it, and tracks
// execution-quality analytics across venues. It sits directly on top
// of an *sor.ExchangeCoordinator for venue dispatch and market data.
type Router struct {
	coordinator *sor.ExchangeCoordinator
	logger      *slog.Logger

	mu             sync.RWMutex
	fees           map[types.Venue]ExchangeFees
	quality        map[types.Venue]*venueQuality
	minOrderSizes  map[types.Venue]float64
	analytics      ExecutionAnalytics

	priceWeight       float64
	feeWeight         float64
	latencyWeight     float64
	liquidityWeight   float64
	reliabilityWeight float64
}

// New wires a router on top of coordinator with the spec's default
// scoring weights (0.35/0.20/0.15/0.20/0.10).
func New(coordinator *sor.ExchangeCoordinator, logger *slog.Logger) *Router {
	return &Router{
		coordinator:       coordinator,
		logger:            logger.With("component", "router"),
		fees:              make(map[types.Venue]ExchangeFees),
		quality:           make(map[types.Venue]*venueQuality),
		minOrderSizes:     make(map[types.Venue]float64),
		priceWeight:       0.35,
		feeWeight:         0.20,
		latencyWeight:     0.15,
		liquidityWeight:   0.20,
		reliabilityWeight: 0.10,
	}
}

// SetFees overrides venue's fee schedule.
func (r *Router) SetFees(venueName types.Venue, fees ExchangeFees) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fees[venueName] = fees
}

// Fees returns venue's fee schedule, or the default if never set.
func (r *Router) Fees(venueName types.Venue) ExchangeFees {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.fees[venueName]; ok {
		return f
	}
	return DefaultExchangeFees()
}

// SetMinOrderSize sets the smallest order split leg allowed on venue.
func (r *Router) SetMinOrderSize(venueName types.Venue, size float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minOrderSizes[venueName] = size
}

// MinOrderSize returns venue's minimum split-leg size, 0 if unset.
func (r *Router) MinOrderSize(venueName types.Venue) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minOrderSizes[venueName]
}

// SetWeights overrides the five scoring weights. Callers should keep
// them summing to 1.0; the router does not normalize them.
func (r *Router) SetWeights(price, fee, latency, liquidity, reliability float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priceWeight = price
	r.feeWeight = fee
	r.latencyWeight = latency
	r.liquidityWeight = liquidity
	r.reliabilityWeight = reliability
}

// Weights returns the current (price, fee, latency, liquidity, reliability) weights.
func (r *Router) Weights() (price, fee, latency, liquidity, reliability float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.priceWeight, r.feeWeight, r.latencyWeight, r.liquidityWeight, r.reliabilityWeight
}

// ScoreVenues scores every venue connected for symbol on a 0..1 scale
// per factor, weighted into a total score, for side/quantity.
func (r *Router) ScoreVenues(symbol types.Symbol, side types.Side, quantity float64) []RoutingScore {
	book := r.coordinator.BookFor(symbol)
	agg := book.GetAggregatedBBO()

	r.mu.RLock()
	priceW, feeW, latW, liqW, relW := r.priceWeight, r.feeWeight, r.latencyWeight, r.liquidityWeight, r.reliabilityWeight
	r.mu.RUnlock()

	var scores []RoutingScore
	for _, vbbo := range agg.Venues {
		if vbbo.IsStale {
			continue
		}
		price := vbbo.AskPrice
		if side == types.Sell {
			price = vbbo.BidPrice
		}
		if price <= 0 {
			continue
		}

		priceScore := r.priceScore(agg, vbbo, side)
		feeScore := r.feeScore(vbbo.Venue)
		latencyScore := r.latencyScore(vbbo.Venue)
		liquidityScore := r.liquidityScore(vbbo, quantity, side)
		reliabilityScore := r.reliabilityScore(vbbo.Venue)

		total := priceW*priceScore + feeW*feeScore + latW*latencyScore + liqW*liquidityScore + relW*reliabilityScore

		scores = append(scores, RoutingScore{
			Venue:            vbbo.Venue,
			TotalScore:       total,
			PriceScore:       priceScore,
			FeeScore:         feeScore,
			LatencyScore:     latencyScore,
			LiquidityScore:   liquidityScore,
			ReliabilityScore: reliabilityScore,
			Explanation:      fmt.Sprintf("price=%.3f fee=%.3f latency=%.3f liquidity=%.3f reliability=%.3f", priceScore, feeScore, latencyScore, liquidityScore, reliabilityScore),
		})
	}
	return scores
}

func (r *Router) priceScore(agg sor.AggregatedBBO, vbbo sor.VenueBBO, side types.Side) float64 {
	if agg.MidPrice <= 0 {
		return 0.5
	}
	var price float64
	if side == types.Buy {
		price = vbbo.AskPrice
	} else {
		price = vbbo.BidPrice
	}
	if price <= 0 {
		return 0
	}
	deviation := (price - agg.MidPrice) / agg.MidPrice
	if side == types.Buy {
		deviation = -deviation // cheaper ask is better for a buyer
	}
	score := 0.5 + deviation*50
	return clamp01(score)
}

func (r *Router) feeScore(venueName types.Venue) float64 {
	fees := r.Fees(venueName)
	// Lower taker fee -> higher score; a taker fee of 1% or more maps to score 0.
	return clamp01(1 - fees.TakerFee*100)
}

func (r *Router) latencyScore(venueName types.Venue) float64 {
	stats, ok := r.coordinator.Latency().Stats(venueName)
	if !ok || stats.P50 <= 0 {
		return 0.5
	}
	// 5ms -> 0.95, 50ms -> 0.5, 100ms or slower -> 0.
	return clamp01(1 - stats.P50.Seconds()*10)
}

func (r *Router) liquidityScore(vbbo sor.VenueBBO, quantity float64, side types.Side) float64 {
	qty := vbbo.AskQty
	if side == types.Sell {
		qty = vbbo.BidQty
	}
	if quantity <= 0 {
		return 0.5
	}
	return clamp01(qty / quantity)
}

func (r *Router) reliabilityScore(venueName types.Venue) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quality[venueName]
	if !ok || (q.successCount+q.failureCount) == 0 {
		return 0.5
	}
	return float64(q.successCount) / float64(q.successCount+q.failureCount)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// RouteOrder scores every candidate venue and picks the best-scoring
// one for req, falling back to the coordinator's best-price strategy
// if no score data is available yet.
func (r *Router) RouteOrder(req types.PlaceOrderRequest) (sor.RoutingDecision, error) {
	scores := r.ScoreVenues(req.Symbol, req.Side, req.Qty)
	if len(scores) == 0 {
		return r.coordinator.SelectVenue(req, sor.StrategyBestPrice)
	}

	best := scores[0]
	for _, s := range scores[1:] {
		if s.TotalScore > best.TotalScore {
			best = s
		}
	}

	candidates := make([]types.Venue, len(scores))
	for i, s := range scores {
		candidates[i] = s.Venue
	}

	return sor.RoutingDecision{
		Venue:      best.Venue,
		Strategy:   sor.StrategyBalanced,
		Reason:     best.Explanation,
		Candidates: candidates,
	}, nil
}

// SplitOrder divides a large order across venues ranked by score,
// allocating each venue min(remaining, maxSingleVenuePct*quantity,
// 0.8*visible top-of-book quantity) so a split never outsizes what that
// venue's book can plausibly absorb. Venues below the configured minimum
// order size are skipped rather than padded.
func (r *Router) SplitOrder(symbol types.Symbol, side types.Side, quantity, maxSingleVenuePct float64) []OrderSplit {
	if maxSingleVenuePct <= 0 || maxSingleVenuePct > 1 {
		maxSingleVenuePct = 0.5
	}

	scores := r.ScoreVenues(symbol, side, quantity)
	if len(scores) == 0 {
		return nil
	}

	sortedScores := append([]RoutingScore(nil), scores...)
	for i := 0; i < len(sortedScores); i++ {
		for j := i + 1; j < len(sortedScores); j++ {
			if sortedScores[j].TotalScore > sortedScores[i].TotalScore {
				sortedScores[i], sortedScores[j] = sortedScores[j], sortedScores[i]
			}
		}
	}

	book := r.coordinator.BookFor(symbol)
	agg := book.GetAggregatedBBO()
	capQty := quantity * maxSingleVenuePct

	var splits []OrderSplit
	remaining := quantity

	for _, s := range sortedScores {
		if remaining <= 0 {
			break
		}
		qty := remaining
		if qty > capQty {
			qty = capQty
		}
		if liquidityCap := 0.8 * r.venueTopQty(agg, s.Venue, side); qty > liquidityCap {
			qty = liquidityCap
		}
		if min := r.MinOrderSize(s.Venue); min > 0 && qty < min {
			continue
		}

		price := r.venuePrice(agg, s.Venue, side)
		fees := r.Fees(s.Venue)
		fee := qty * price * fees.TakerFee

		splits = append(splits, OrderSplit{Venue: s.Venue, Quantity: qty, ExpectedPrice: price, ExpectedFee: fee})
		remaining -= qty
	}

	return splits
}

func (r *Router) venuePrice(agg sor.AggregatedBBO, venueName types.Venue, side types.Side) float64 {
	for _, v := range agg.Venues {
		if v.Venue != venueName {
			continue
		}
		if side == types.Buy {
			return v.AskPrice
		}
		return v.BidPrice
	}
	return agg.MidPrice
}

// venueTopQty returns the visible top-of-book quantity a venue can absorb
// on the given side, zero if the venue has no quote in the aggregated book.
func (r *Router) venueTopQty(agg sor.AggregatedBBO, venueName types.Venue, side types.Side) float64 {
	for _, v := range agg.Venues {
		if v.Venue != venueName {
			continue
		}
		if side == types.Buy {
			return v.AskQty
		}
		return v.BidQty
	}
	return 0
}

// Execute routes req via RouteOrder and dispatches it through the coordinator.
func (r *Router) Execute(ctx context.Context, req types.PlaceOrderRequest) (types.ExecutionReport, bool) {
	decision, err := r.RouteOrder(req)
	if err != nil {
		r.logger.Warn("routing failed", "symbol", string(req.Symbol), "error", err)
		return types.ExecutionReport{}, false
	}

	req.Venue = decision.Venue
	start := time.Now()
	report, _, accepted := r.coordinator.PlaceOrder(ctx, req, decision.Strategy)
	r.RecordExecution(decision.Venue, report, 0, time.Since(start))
	return report, accepted
}

// ExecuteSplit splits quantity across venues and dispatches every leg,
// naming each child order "<prefix>-<n>".
func (r *Router) ExecuteSplit(ctx context.Context, symbol types.Symbol, side types.Side, quantity float64, clientOrderIDPrefix string) []*types.ExecutionReport {
	splits := r.SplitOrder(symbol, side, quantity, 0.5)
	reports := make([]*types.ExecutionReport, len(splits))

	for i, split := range splits {
		req := types.PlaceOrderRequest{
			Symbol:        symbol,
			Side:          side,
			Type:          types.Market,
			TIF:           types.IOC,
			Qty:           split.Quantity,
			ClientOrderID: fmt.Sprintf("%s-%d", clientOrderIDPrefix, i),
			Venue:         split.Venue,
		}
		start := time.Now()
		report, _, accepted := r.coordinator.PlaceOrder(ctx, req, sor.StrategyBestPrice)
		r.RecordExecution(split.Venue, report, split.ExpectedPrice, time.Since(start))
		if accepted {
			reports[i] = &report
		}
	}
	return reports
}

// ExecuteBatch dispatches every order in batch. If batch.Atomic, any
// rejection cancels every previously accepted leg in the batch.
func (r *Router) ExecuteBatch(ctx context.Context, batch BatchOrderRequest) BatchOrderResult {
	result := BatchOrderResult{Reports: make([]*types.ExecutionReport, len(batch.Orders))}
	var accepted []types.PlaceOrderRequest

	for i, req := range batch.Orders {
		report, ok := r.Execute(ctx, req)
		if ok {
			result.Reports[i] = &report
			result.SuccessCount++
			accepted = append(accepted, req)
			continue
		}
		result.FailureCount++
		if batch.Atomic {
			r.rollbackBatch(ctx, accepted)
			for j := range result.Reports {
				result.Reports[j] = nil
			}
			result.SuccessCount = 0
			result.FailureCount = len(batch.Orders)
			return result
		}
	}
	return result
}

func (r *Router) rollbackBatch(ctx context.Context, accepted []types.PlaceOrderRequest) {
	for _, req := range accepted {
		if req.Venue == "" {
			continue
		}
		r.coordinator.CancelOrder(ctx, req.Venue, types.CancelOrderRequest{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID})
	}
}

// CancelMerged cancels every client order id in req against one
// venue/symbol, returning the per-order outcome.
func (r *Router) CancelMerged(ctx context.Context, req CancelMergeRequest) []*types.ExecutionReport {
	reports := make([]*types.ExecutionReport, len(req.ClientOrderIDs))
	for i, id := range req.ClientOrderIDs {
		report, ok := r.coordinator.CancelOrder(ctx, req.Venue, types.CancelOrderRequest{Symbol: req.Symbol, ClientOrderID: id})
		if ok {
			reports[i] = &report
		}
	}
	return reports
}

// RecordExecution folds one fill's realized quality into venue's
// running execution-quality average and the global analytics scoreboard.
func (r *Router) RecordExecution(venueName types.Venue, report types.ExecutionReport, expectedPrice float64, executionTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quality[venueName]
	if !ok {
		q = &venueQuality{}
		r.quality[venueName] = q
	}

	fees := r.feesLocked(venueName)

	slippage := 0.0
	if expectedPrice > 0 && report.LastFillPrice > 0 {
		slippage = (report.LastFillPrice - expectedPrice) / expectedPrice
	}
	fillRate := 0.0
	if report.Status == types.StatusFilled {
		fillRate = 1.0
	} else if report.Status == types.StatusPartiallyFilled {
		fillRate = 0.5
	}

	fee := report.LastFillQty * report.LastFillPrice * fees.TakerFee

	q.sampleCount++
	q.totalSlippage += slippage
	q.totalFillRate += fillRate
	q.totalExecutionNs += executionTime.Nanoseconds()
	q.totalFees += fee

	switch report.Status {
	case types.StatusRejected:
		q.failureCount++
	default:
		q.successCount++
	}

	r.analytics.TotalOrders++
	switch report.Status {
	case types.StatusFilled:
		r.analytics.FilledOrders++
	case types.StatusPartiallyFilled:
		r.analytics.PartialFills++
	case types.StatusRejected:
		r.analytics.RejectedOrders++
	}
	r.analytics.TotalVolume += report.LastFillQty
	r.analytics.TotalFees += fee
}

func (r *Router) feesLocked(venueName types.Venue) ExchangeFees {
	if f, ok := r.fees[venueName]; ok {
		return f
	}
	return DefaultExchangeFees()
}

// GetVenueQuality returns venue's running execution-quality average, if
// any samples have been recorded.
func (r *Router) GetVenueQuality(venueName types.Venue) (ExecutionQuality, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.quality[venueName]
	if !ok || q.sampleCount == 0 {
		return ExecutionQuality{}, false
	}
	n := float64(q.sampleCount)
	return ExecutionQuality{
		Slippage:      q.totalSlippage / n,
		FillRate:      q.totalFillRate / n,
		ExecutionTime: time.Duration(q.totalExecutionNs / int64(q.sampleCount)),
		EffectiveFee:  q.totalFees / n,
	}, true
}

// Analytics returns the router's cumulative scoreboard across every
// venue since the last ResetAnalytics.
func (r *Router) Analytics() ExecutionAnalytics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.analytics
	if a.TotalOrders > 0 {
		var totalSlippage, totalFillRate float64
		var totalExecNs int64
		var samples int
		for _, q := range r.quality {
			totalSlippage += q.totalSlippage
			totalFillRate += q.totalFillRate
			totalExecNs += q.totalExecutionNs
			samples += q.sampleCount
		}
		if samples > 0 {
			a.AverageSlippage = totalSlippage / float64(samples)
			a.AverageFillRate = totalFillRate / float64(samples)
			a.AverageExecutionTime = time.Duration(totalExecNs / int64(samples))
		}
	}
	return a
}

// ResetAnalytics zeroes the cumulative scoreboard, leaving per-venue
// execution-quality history untouched.
func (r *Router) ResetAnalytics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analytics = ExecutionAnalytics{}
}
