// Package risk is the pre-trade admission chain, post-trade stop-loss/
// take-profit monitor, and portfolio risk toolkit (VaR, stress testing,
// dynamic thresholds) described in spec §4.4. Engine runs the pre-trade
// chain synchronously on the order path and the post-trade check on the
// position snapshots its caller passes in; VaRCalculator,
// StressScenario evaluation, and DynamicThresholdController are
// standalone calculators that no other package in this module calls.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"veloz-core/internal/opc"
	"veloz-core/pkg/types"
)

// RejectReason codes for pre-trade admission failures, checked in the
// fixed order spec §4.4.1 requires.
const (
	ReasonCircuitBreaker   = "circuit_breaker"
	ReasonRateLimit        = "rate_limit"
	ReasonOrderSize        = "order_size"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonMaxPosition      = "max_position"
	ReasonPriceBand        = "price_band"
)

// RiskLevel is a coarse risk-alert severity.
type RiskLevel int

const (
	LevelLow RiskLevel = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l RiskLevel) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RiskAlert is one emitted warning, kept in a bounded ring for
// operator/dashboard consumption.
type RiskAlert struct {
	Level     RiskLevel
	Message   string
	Symbol    string
	Timestamp time.Time
}

// PostTradeSignal is emitted by CheckPostTrade when a position's
// unrealized return crosses a stop-loss or take-profit threshold.
type PostTradeSignal struct {
	Symbol  types.Symbol
	Venue   types.Venue
	Kind    string // "stop_loss" or "take_profit"
	Return  float64
}

// Config holds every tunable threshold the admission chain and
// post-trade checks evaluate against.
type Config struct {
	AccountBalanceUSD   float64
	MaxPositionSize     float64 // 0 or negative disables the check
	MaxLeverage         float64
	MaxPriceDeviation   float64
	MaxOrderRate        int // orders per second
	MaxOrderSize        float64
	StopLossEnabled     bool
	StopLossPct         float64
	TakeProfitEnabled   bool
	TakeProfitPct       float64
	CircuitBreakerCooldown time.Duration
	MaxAlerts           int // bounded ring size, default 1000
}

// DefaultConfig mirrors the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:            1.0,
		MaxPriceDeviation:      0.10,
		MaxOrderRate:           100,
		MaxOrderSize:           1000.0,
		StopLossPct:            0.05,
		TakeProfitPct:          0.10,
		CircuitBreakerCooldown: 30 * time.Second,
		MaxAlerts:              1000,
	}
}

// Engine runs the pre-trade admission chain and post-trade stop-loss/
// take-profit monitor. It is safe for concurrent use.
type Engine struct {
	logger *slog.Logger

	mu                   sync.RWMutex
	cfg                  Config
	referencePrices      map[types.Symbol]float64
	orderTimestamps      []time.Time
	circuitBreakerTripped bool
	circuitBreakerUntil  time.Time
	alerts               []RiskAlert
}

// New creates an Engine with cfg.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 1000
	}
	return &Engine{
		logger:          logger.With("component", "risk"),
		cfg:             cfg,
		referencePrices: make(map[types.Symbol]float64),
	}
}

// SetAccountBalance updates the account balance used by the funds check.
func (e *Engine) SetAccountBalance(balance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.AccountBalanceUSD = balance
}

// SetReferencePrice updates symbol's reference price used by the price-band check.
func (e *Engine) SetReferencePrice(symbol types.Symbol, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referencePrices[symbol] = price
}

// IsCircuitBreakerTripped reports whether the breaker is currently open.
func (e *Engine) IsCircuitBreakerTripped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.circuitBreakerTrippedLocked()
}

func (e *Engine) circuitBreakerTrippedLocked() bool {
	if !e.circuitBreakerTripped {
		return false
	}
	if time.Now().After(e.circuitBreakerUntil) {
		e.circuitBreakerTripped = false
		return false
	}
	return true
}

// ResetCircuitBreaker closes the breaker immediately.
func (e *Engine) ResetCircuitBreaker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.circuitBreakerTripped = false
}

func (e *Engine) tripCircuitBreaker() {
	e.circuitBreakerTripped = true
	e.circuitBreakerUntil = time.Now().Add(e.cfg.CircuitBreakerCooldown)
}

// CheckPreTrade runs the six-stage admission chain from spec §4.4.1 in
// order, short-circuiting on the first failure. currentPositionSize is
// the signed existing position for req.Symbol.
func (e *Engine) CheckPreTrade(req types.PlaceOrderRequest, currentPositionSize float64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.circuitBreakerTrippedLocked() {
		return false, ReasonCircuitBreaker
	}

	now := time.Now()
	cutoff := now.Add(-time.Second)
	kept := e.orderTimestamps[:0]
	for _, ts := range e.orderTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.orderTimestamps = kept
	if len(e.orderTimestamps) >= e.cfg.MaxOrderRate {
		e.tripCircuitBreaker()
		return false, ReasonRateLimit
	}
	e.orderTimestamps = append(e.orderTimestamps, now)

	if req.Qty > e.cfg.MaxOrderSize {
		return false, ReasonOrderSize
	}

	if req.Type != types.Market && req.Price != nil && e.cfg.MaxLeverage > 0 {
		notional := req.Qty * *req.Price / e.cfg.MaxLeverage
		if notional > e.cfg.AccountBalanceUSD {
			return false, ReasonInsufficientFunds
		}
	}

	if e.cfg.MaxPositionSize > 0 {
		delta := req.Qty
		if req.Side == types.Sell {
			delta = -req.Qty
		}
		if absF(currentPositionSize+delta) > e.cfg.MaxPositionSize {
			return false, ReasonMaxPosition
		}
	}

	if ref, ok := e.referencePrices[req.Symbol]; ok && ref > 0 && req.Price != nil {
		deviation := absF(*req.Price-ref) / ref
		if deviation > e.cfg.MaxPriceDeviation {
			return false, ReasonPriceBand
		}
	}

	return true, ""
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// CheckPostTrade evaluates snapshot's unrealized return against the
// stop-loss/take-profit thresholds, returning a signal if one fires.
func (e *Engine) CheckPostTrade(snapshot opc.PositionSnapshot) (PostTradeSignal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if snapshot.Size == 0 || snapshot.AvgPrice == 0 {
		return PostTradeSignal{}, false
	}
	basis := absF(snapshot.AvgPrice * snapshot.Size)
	if basis == 0 {
		return PostTradeSignal{}, false
	}
	ret := snapshot.UnrealizedPnL / basis

	if e.cfg.StopLossEnabled && ret <= -e.cfg.StopLossPct {
		return PostTradeSignal{Symbol: snapshot.Symbol, Venue: snapshot.Venue, Kind: "stop_loss", Return: ret}, true
	}
	if e.cfg.TakeProfitEnabled && ret >= e.cfg.TakeProfitPct {
		return PostTradeSignal{Symbol: snapshot.Symbol, Venue: snapshot.Venue, Kind: "take_profit", Return: ret}, true
	}
	return PostTradeSignal{}, false
}

// AddAlert appends a risk alert to the bounded ring, dropping the
// oldest entry once MaxAlerts is reached.
func (e *Engine) AddAlert(level RiskLevel, message, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert := RiskAlert{Level: level, Message: message, Symbol: symbol, Timestamp: time.Now()}
	e.alerts = append(e.alerts, alert)
	if len(e.alerts) > e.cfg.MaxAlerts {
		e.alerts = e.alerts[len(e.alerts)-e.cfg.MaxAlerts:]
	}

	e.logger.Warn("risk alert", "level", level.String(), "message", message, "symbol", symbol)
}

// Alerts returns a copy of every currently-retained alert.
func (e *Engine) Alerts() []RiskAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RiskAlert, len(e.alerts))
	copy(out, e.alerts)
	return out
}

// ClearAlerts empties the alert ring.
func (e *Engine) ClearAlerts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = nil
}

// CalculateMarginRequirement returns notional/leverage, the margin an
// order of that notional at that leverage consumes.
func (e *Engine) CalculateMarginRequirement(notional, leverage float64) float64 {
	if leverage <= 0 {
		return notional
	}
	return notional / leverage
}

// AvailableFunds returns the account balance configured on the engine.
func (e *Engine) AvailableFunds() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.AccountBalanceUSD
}

// describeRejection renders a reject reason into an operator-facing
// sentence. Nothing in this module calls it.
func describeRejection(symbol types.Symbol, reason string) string {
	return fmt.Sprintf("order for %s rejected: %s", symbol, reason)
}
