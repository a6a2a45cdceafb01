package risk

import (
	"math"
	"sort"
	"time"
)

// VaRMethod selects the Value-at-Risk calculation approach.
type VaRMethod int

const (
	Historical VaRMethod = iota
	Parametric
	MonteCarlo
)

func (m VaRMethod) String() string {
	switch m {
	case Historical:
		return "historical"
	case Parametric:
		return "parametric"
	case MonteCarlo:
		return "monte_carlo"
	default:
		return "unknown"
	}
}

// VaRConfig configures a VaRCalculator run.
type VaRConfig struct {
	Method           VaRMethod
	LookbackDays     int
	MonteCarloPaths  int
	Confidence95     float64
	Confidence99     float64
	HoldingPeriodDays int
	CalculateCVaR    bool
	RandomSeed       uint64 // 0 means use a time-based seed
}

// DefaultVaRConfig mirrors the reference implementation's defaults.
func DefaultVaRConfig() VaRConfig {
	return VaRConfig{
		Method:            Historical,
		LookbackDays:      252,
		MonteCarloPaths:   10000,
		Confidence95:      0.95,
		Confidence99:      0.99,
		HoldingPeriodDays: 1,
		CalculateCVaR:     true,
	}
}

// VaRResult is the outcome of one VaR calculation.
type VaRResult struct {
	VaR95           float64
	VaR99           float64
	CVaR95          float64
	CVaR99          float64
	Method          VaRMethod
	SampleSize      int
	SimulationPaths int
	MeanReturn      float64
	StdDev          float64
	Valid           bool
	ErrorMessage    string
}

// VaRPosition is one portfolio leg for portfolio/component VaR.
type VaRPosition struct {
	Symbol     string
	Weight     float64
	Value      float64
	Volatility float64 // annualized
}

// CovarianceEntry is one symmetric pairwise covariance; self-terms
// (symbol1 == symbol2) are implicit as Volatility² and never listed.
type CovarianceEntry struct {
	Symbol1     string
	Symbol2     string
	Covariance  float64
}

// zScore returns the one-sided normal z-score for a confidence level:
// 2.3263 for any level >= 0.99, 1.6449 for any level in [0.95, 0.99),
// and a linear ramp from 0 to 1.6449 below 0.95 (good enough for an
// internal risk signal, not a pricing model).
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.3263
	case confidence >= 0.95:
		return 1.6449
	default:
		// Acklam-free linear fallback: spreads 0.50-0.95 across 0-1.6449.
		return 1.6449 * (confidence - 0.5) / 0.45
	}
}

// normalPDF is the standard normal density function φ(z).
func normalPDF(z float64) float64 {
	return math.Exp(-z*z/2) / math.Sqrt(2*math.Pi)
}

// VaRCalculator computes Historical, Parametric, and Monte Carlo VaR,
// plus portfolio VaR with a covariance matrix.
type VaRCalculator struct {
	cfg VaRConfig
}

// NewVaRCalculator creates a calculator with cfg.
func NewVaRCalculator(cfg VaRConfig) *VaRCalculator {
	return &VaRCalculator{cfg: cfg}
}

// SetConfig replaces the calculator's configuration.
func (c *VaRCalculator) SetConfig(cfg VaRConfig) { c.cfg = cfg }

// Config returns the calculator's current configuration.
func (c *VaRCalculator) Config() VaRConfig { return c.cfg }

// CalculateMean returns the arithmetic mean of returns.
func CalculateMean(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	return sum / float64(len(returns))
}

// CalculateStdDev returns the sample standard deviation of returns.
func CalculateStdDev(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	mean := CalculateMean(returns)
	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// PricesToReturns converts a price series (oldest first) into simple returns.
func PricesToReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// PricesToLogReturns converts a price series (oldest first) into log returns.
func PricesToLogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		out = append(out, math.Log(prices[i]/prices[i-1]))
	}
	return out
}

// ScaleVaRToHoldingPeriod scales a 1-day VaR to a T-day horizon by the
// square-root-of-time rule.
func ScaleVaRToHoldingPeriod(var1Day float64, holdingDays int) float64 {
	if holdingDays <= 1 {
		return var1Day
	}
	return var1Day * math.Sqrt(float64(holdingDays))
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(p * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// CalculateHistorical computes historical-simulation VaR/CVaR from a
// return series (needs at least 30 observations).
func (c *VaRCalculator) CalculateHistorical(returns []float64, portfolioValue float64) VaRResult {
	if len(returns) < 30 {
		return VaRResult{Method: Historical, SampleSize: len(returns), Valid: false, ErrorMessage: "historical VaR requires at least 30 returns"}
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	p95 := percentile(sorted, 1-c.cfg.Confidence95)
	p99 := percentile(sorted, 1-c.cfg.Confidence99)

	result := VaRResult{
		Method:     Historical,
		SampleSize: len(returns),
		MeanReturn: CalculateMean(returns),
		StdDev:     CalculateStdDev(returns),
		VaR95:      math.Abs(p95) * portfolioValue,
		VaR99:      math.Abs(p99) * portfolioValue,
		Valid:      true,
	}

	if c.cfg.CalculateCVaR {
		result.CVaR95 = math.Abs(tailMean(sorted, p95)) * portfolioValue
		result.CVaR99 = math.Abs(tailMean(sorted, p99)) * portfolioValue
	}

	scaleResult(&result, c.cfg.HoldingPeriodDays)
	return result
}

func tailMean(sorted []float64, threshold float64) float64 {
	var sum float64
	var n int
	for _, r := range sorted {
		if r <= threshold {
			sum += r
			n++
		}
	}
	if n == 0 {
		return threshold
	}
	return sum / float64(n)
}

// CalculateParametric computes variance-covariance VaR/CVaR from mean
// and standard deviation.
func (c *VaRCalculator) CalculateParametric(mean, stdDev, portfolioValue float64) VaRResult {
	z95 := zScore(c.cfg.Confidence95)
	z99 := zScore(c.cfg.Confidence99)

	result := VaRResult{
		Method:     Parametric,
		MeanReturn: mean,
		StdDev:     stdDev,
		VaR95:      (z95*stdDev - mean) * portfolioValue,
		VaR99:      (z99*stdDev - mean) * portfolioValue,
		Valid:      true,
	}

	if c.cfg.CalculateCVaR {
		result.CVaR95 = (stdDev*normalPDF(z95)/(1-c.cfg.Confidence95) - mean) * portfolioValue
		result.CVaR99 = (stdDev*normalPDF(z99)/(1-c.cfg.Confidence99) - mean) * portfolioValue
	}

	scaleResult(&result, c.cfg.HoldingPeriodDays)
	return result
}

// CalculateMonteCarlo simulates P&L paths via Box-Muller normals and
// takes the empirical percentile (needs at least 1000 paths).
func (c *VaRCalculator) CalculateMonteCarlo(mean, stdDev, portfolioValue float64) VaRResult {
	paths := c.cfg.MonteCarloPaths
	if paths < 1000 {
		return VaRResult{Method: MonteCarlo, Valid: false, ErrorMessage: "monte carlo VaR requires at least 1000 paths"}
	}

	seed := c.cfg.RandomSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	simulated := make([]float64, paths)
	for i := 0; i < paths; i++ {
		simulated[i] = mean + stdDev*generateNormal(&seed)
	}
	sort.Float64s(simulated)

	p95 := percentile(simulated, 1-c.cfg.Confidence95)
	p99 := percentile(simulated, 1-c.cfg.Confidence99)

	result := VaRResult{
		Method:          MonteCarlo,
		SampleSize:      paths,
		SimulationPaths: paths,
		MeanReturn:      mean,
		StdDev:          stdDev,
		VaR95:           math.Abs(p95) * portfolioValue,
		VaR99:           math.Abs(p99) * portfolioValue,
		Valid:           true,
	}

	if c.cfg.CalculateCVaR {
		result.CVaR95 = math.Abs(tailMean(simulated, p95)) * portfolioValue
		result.CVaR99 = math.Abs(tailMean(simulated, p99)) * portfolioValue
	}

	scaleResult(&result, c.cfg.HoldingPeriodDays)
	return result
}

// generateNormal produces one N(0,1) draw via Box-Muller, advancing an
// explicit xorshift64 PRNG state rather than the global math/rand source
// so Monte Carlo runs with a fixed seed are reproducible.
func generateNormal(seed *uint64) float64 {
	u1 := nextUniform(seed)
	u2 := nextUniform(seed)
	if u1 < 1e-12 {
		u1 = 1e-12
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

func nextUniform(seed *uint64) float64 {
	*seed ^= *seed << 13
	*seed ^= *seed >> 7
	*seed ^= *seed << 17
	return float64(*seed%1_000_000_000) / 1_000_000_000
}

// Calculate dispatches to the configured method, estimating mean/stdDev
// from returns for Parametric and Monte Carlo.
func (c *VaRCalculator) Calculate(returns []float64, portfolioValue float64) VaRResult {
	switch c.cfg.Method {
	case Parametric:
		return c.CalculateParametric(CalculateMean(returns), CalculateStdDev(returns), portfolioValue)
	case MonteCarlo:
		return c.CalculateMonteCarlo(CalculateMean(returns), CalculateStdDev(returns), portfolioValue)
	default:
		return c.CalculateHistorical(returns, portfolioValue)
	}
}

func scaleResult(r *VaRResult, holdingDays int) {
	if holdingDays <= 1 {
		return
	}
	scale := math.Sqrt(float64(holdingDays))
	r.VaR95 *= scale
	r.VaR99 *= scale
	r.CVaR95 *= scale
	r.CVaR99 *= scale
}

// portfolioVolatility computes σ_p² = Σwᵢ²σᵢ² + 2Σᵢ<ⱼwᵢwⱼcov(i,j) and
// returns σ_p.
func portfolioVolatility(positions []VaRPosition, covariances []CovarianceEntry) float64 {
	var variance float64
	for _, p := range positions {
		variance += p.Weight * p.Weight * p.Volatility * p.Volatility
	}
	for i := 0; i < len(positions); i++ {
		for j := i + 1; j < len(positions); j++ {
			cov := findCovariance(covariances, positions[i].Symbol, positions[j].Symbol)
			variance += 2 * positions[i].Weight * positions[j].Weight * cov
		}
	}
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func findCovariance(covariances []CovarianceEntry, symbol1, symbol2 string) float64 {
	for _, c := range covariances {
		if (c.Symbol1 == symbol1 && c.Symbol2 == symbol2) || (c.Symbol1 == symbol2 && c.Symbol2 == symbol1) {
			return c.Covariance
		}
	}
	return 0
}

// CalculatePortfolioVaR computes portfolio-level VaR from position
// weights/volatilities and a covariance matrix using the Parametric formula.
func (c *VaRCalculator) CalculatePortfolioVaR(positions []VaRPosition, covariances []CovarianceEntry, portfolioValue float64) VaRResult {
	sigmaP := portfolioVolatility(positions, covariances)
	result := c.CalculateParametric(0, sigmaP, portfolioValue)
	result.SampleSize = len(positions)
	return result
}

// IncrementalVaRCalculator maintains rolling return statistics for O(1)
// per-observation VaR updates, used as the live per-symbol feed between
// full portfolio VaR recomputations.
type IncrementalVaRCalculator struct {
	windowSize int
	returns    []float64
	sum        float64
	sumSq      float64
}

// NewIncrementalVaRCalculator creates a calculator with the given rolling window.
func NewIncrementalVaRCalculator(windowSize int) *IncrementalVaRCalculator {
	if windowSize <= 0 {
		windowSize = 252
	}
	return &IncrementalVaRCalculator{windowSize: windowSize}
}

// AddReturn folds one new return observation into the rolling window.
func (ic *IncrementalVaRCalculator) AddReturn(value float64) {
	ic.returns = append(ic.returns, value)
	ic.sum += value
	ic.sumSq += value * value

	if len(ic.returns) > ic.windowSize {
		dropped := ic.returns[0]
		ic.returns = ic.returns[1:]
		ic.sum -= dropped
		ic.sumSq -= dropped * dropped
	}
}

// Mean returns the rolling window's mean return.
func (ic *IncrementalVaRCalculator) Mean() float64 {
	if len(ic.returns) == 0 {
		return 0
	}
	return ic.sum / float64(len(ic.returns))
}

// StdDev returns the rolling window's standard deviation.
func (ic *IncrementalVaRCalculator) StdDev() float64 {
	n := len(ic.returns)
	if n < 2 {
		return 0
	}
	mean := ic.Mean()
	variance := ic.sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance * float64(n) / float64(n-1))
}

// Count returns the number of observations currently in the window.
func (ic *IncrementalVaRCalculator) Count() int { return len(ic.returns) }

// IsValid reports whether the window holds enough data for a reliable estimate.
func (ic *IncrementalVaRCalculator) IsValid() bool { return len(ic.returns) >= 30 }

// GetVaR returns the rolling-window parametric VaR estimate at confidence.
func (ic *IncrementalVaRCalculator) GetVaR(portfolioValue, confidence float64) float64 {
	if !ic.IsValid() {
		return 0
	}
	z := zScore(confidence)
	return (z*ic.StdDev() - ic.Mean()) * portfolioValue
}

// GetCVaR returns the rolling-window parametric CVaR estimate at confidence.
func (ic *IncrementalVaRCalculator) GetCVaR(portfolioValue, confidence float64) float64 {
	if !ic.IsValid() {
		return 0
	}
	z := zScore(confidence)
	return (ic.StdDev()*normalPDF(z)/(1-confidence) - ic.Mean()) * portfolioValue
}

// Reset clears all accumulated observations.
func (ic *IncrementalVaRCalculator) Reset() {
	ic.returns = nil
	ic.sum = 0
	ic.sumSq = 0
}

// ComponentVaRCalculator attributes total portfolio VaR across positions.
type ComponentVaRCalculator struct{}

// RiskContribution is one position's share of total portfolio VaR.
type RiskContribution struct {
	Symbol          string
	MarginalVaR     float64
	ComponentVaR    float64
	PctContribution float64
}

// Calculate returns each position's marginal/component VaR and
// percentage contribution to portfolioVaR.
func (ComponentVaRCalculator) Calculate(positions []VaRPosition, covariances []CovarianceEntry, portfolioVaR float64) []RiskContribution {
	sigmaP := portfolioVolatility(positions, covariances)
	contributions := make([]RiskContribution, len(positions))

	for i, p := range positions {
		var sumCovTerms float64
		for _, other := range positions {
			var cov float64
			if other.Symbol == p.Symbol {
				cov = p.Volatility * p.Volatility
			} else {
				cov = findCovariance(covariances, p.Symbol, other.Symbol)
			}
			sumCovTerms += other.Weight * cov
		}

		marginal := 0.0
		if sigmaP > 0 {
			marginal = sumCovTerms / sigmaP
		}
		component := p.Weight * marginal

		pct := 0.0
		if portfolioVaR != 0 {
			pct = component / portfolioVaR * 100
		}

		contributions[i] = RiskContribution{
			Symbol:          p.Symbol,
			MarginalVaR:     marginal,
			ComponentVaR:    component,
			PctContribution: pct,
		}
	}
	return contributions
}
