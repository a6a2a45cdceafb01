package risk

import "math"

// MarketFactor is a stress-test shock dimension.
type MarketFactor int

const (
	FactorPrice MarketFactor = iota
	FactorVolatility
	FactorCorrelation
	FactorLiquidity
	FactorInterestRate
	FactorFundingRate
)

// FactorShock is one shock applied to a factor, optionally scoped to a
// single symbol (empty Symbol means portfolio-wide).
type FactorShock struct {
	Factor     MarketFactor
	Symbol     string
	Magnitude  float64
	IsRelative bool // true: percentage change, false: absolute change
}

// StressPosition is one portfolio leg evaluated under a stress scenario.
type StressPosition struct {
	Symbol       string
	Size         float64 // signed
	EntryPrice   float64
	CurrentPrice float64
	Volatility   float64
}

// StressScenario names a set of factor shocks to apply together.
type StressScenario struct {
	ID              string
	Name            string
	Description     string
	Shocks          []FactorShock
	HistoricalEvent string
}

// PositionStressResult is one position's outcome under a scenario.
type PositionStressResult struct {
	Symbol         string
	BaseValue      float64
	StressedValue  float64
	PnLImpact      float64
	PnLImpactPct   float64
}

// StressTestResult is the portfolio-level outcome of evaluating a scenario.
type StressTestResult struct {
	ScenarioID            string
	ScenarioName          string
	BasePortfolioValue    float64
	StressedPortfolioValue float64
	TotalPnLImpact        float64
	TotalPnLImpactPct     float64
	PositionResults       []PositionStressResult
}

// shockFor finds the most specific shock for a position under factor:
// a symbol-specific shock first, else a portfolio-wide one on the same factor.
func shockFor(shocks []FactorShock, factor MarketFactor, symbol string) (FactorShock, bool) {
	var portfolioWide *FactorShock
	for i := range shocks {
		s := &shocks[i]
		if s.Factor != factor {
			continue
		}
		if s.Symbol == symbol {
			return *s, true
		}
		if s.Symbol == "" {
			portfolioWide = s
		}
	}
	if portfolioWide != nil {
		return *portfolioWide, true
	}
	return FactorShock{}, false
}

func shockedPrice(price float64, shock FactorShock) float64 {
	if shock.IsRelative {
		return price * (1 + shock.Magnitude)
	}
	return price + shock.Magnitude
}

// EvaluateScenario applies scenario's price shocks to every position and
// computes the resulting portfolio and per-position P&L impact.
func EvaluateScenario(scenario StressScenario, positions []StressPosition) StressTestResult {
	result := StressTestResult{ScenarioID: scenario.ID, ScenarioName: scenario.Name}

	for _, pos := range positions {
		baseValue := pos.Size * pos.CurrentPrice
		stressedPrice := pos.CurrentPrice
		if shock, ok := shockFor(scenario.Shocks, FactorPrice, pos.Symbol); ok {
			stressedPrice = shockedPrice(pos.CurrentPrice, shock)
		}
		stressedValue := pos.Size * stressedPrice
		pnl := pos.Size * (stressedPrice - pos.CurrentPrice)

		pct := 0.0
		if baseValue != 0 {
			pct = pnl / math.Abs(baseValue) * 100
		}

		result.PositionResults = append(result.PositionResults, PositionStressResult{
			Symbol:        pos.Symbol,
			BaseValue:     baseValue,
			StressedValue: stressedValue,
			PnLImpact:     pnl,
			PnLImpactPct:  pct,
		})

		result.BasePortfolioValue += baseValue
		result.StressedPortfolioValue += stressedValue
		result.TotalPnLImpact += pnl
	}

	if result.BasePortfolioValue != 0 {
		result.TotalPnLImpactPct = result.TotalPnLImpact / math.Abs(result.BasePortfolioValue) * 100
	}
	return result
}

// ReverseStress solves for the uniform relative price shock that
// produces approximately targetLoss (a negative number) across the
// portfolio, via a closed-form linear solve against net portfolio
// notional (valid because a uniform relative shock scales P&L linearly
// in the shock magnitude for linear instruments).
func ReverseStress(positions []StressPosition, targetLoss float64) (magnitude float64, ok bool) {
	var notional float64
	for _, p := range positions {
		notional += p.Size * p.CurrentPrice
	}
	if notional == 0 {
		return 0, false
	}
	return targetLoss / notional, true
}

// COVIDMarch2020Scenario mirrors the March 2020 crypto crash: a broad
// ~40% spot drawdown with a volatility spike.
func COVIDMarch2020Scenario() StressScenario {
	return StressScenario{
		ID:              "covid-march-2020",
		Name:            "COVID-19 March 2020 Crash",
		HistoricalEvent: "COVID-19 March 2020",
		Shocks: []FactorShock{
			{Factor: FactorPrice, Magnitude: -0.40, IsRelative: true},
			{Factor: FactorVolatility, Magnitude: 2.0, IsRelative: true},
		},
	}
}

// LUNAMay2022Scenario mirrors the Terra/LUNA collapse: LUNA goes to
// near zero, BTC drops roughly 30% in sympathy.
func LUNAMay2022Scenario() StressScenario {
	return StressScenario{
		ID:              "luna-may-2022",
		Name:            "LUNA/UST Collapse May 2022",
		HistoricalEvent: "LUNA May 2022",
		Shocks: []FactorShock{
			{Factor: FactorPrice, Symbol: "LUNA-USDT", Magnitude: -0.999, IsRelative: true},
			{Factor: FactorPrice, Magnitude: -0.30, IsRelative: true},
		},
	}
}

// FTXNov2022Scenario mirrors the FTX collapse: a sharp broad drawdown
// with a liquidity shock.
func FTXNov2022Scenario() StressScenario {
	return StressScenario{
		ID:              "ftx-nov-2022",
		Name:            "FTX Collapse November 2022",
		HistoricalEvent: "FTX November 2022",
		Shocks: []FactorShock{
			{Factor: FactorPrice, Magnitude: -0.25, IsRelative: true},
			{Factor: FactorLiquidity, Magnitude: -0.50, IsRelative: true},
		},
	}
}

// FlashCrashScenario models a generic sharp, brief drawdown.
func FlashCrashScenario() StressScenario {
	return StressScenario{
		ID:   "flash-crash",
		Name: "Generic Flash Crash",
		Shocks: []FactorShock{
			{Factor: FactorPrice, Magnitude: -0.15, IsRelative: true},
			{Factor: FactorLiquidity, Magnitude: -0.80, IsRelative: true},
		},
	}
}

// BuiltinStressScenarios returns every named historical scenario plus
// the generic flash-crash scenario.
func BuiltinStressScenarios() []StressScenario {
	return []StressScenario{
		COVIDMarch2020Scenario(),
		LUNAMay2022Scenario(),
		FTXNov2022Scenario(),
		FlashCrashScenario(),
	}
}
