package risk

// DynamicThresholdConfig configures how base risk thresholds scale
// with volatility, drawdown, and time-to-close.
type DynamicThresholdConfig struct {
	VolScaleFactor       float64 // how much to scale with volatility percentile
	DrawdownStart        float64 // start reducing at this drawdown fraction
	DrawdownRate         float64 // reduction per unit of drawdown beyond DrawdownStart
	ReduceBeforeClose    bool
	MinutesBeforeClose   int // window over which time_adj ramps from 1.0 to 0.5
}

// DefaultDynamicThresholdConfig mirrors the reference defaults.
func DefaultDynamicThresholdConfig() DynamicThresholdConfig {
	return DynamicThresholdConfig{
		VolScaleFactor:     0.5,
		DrawdownStart:      0.05,
		DrawdownRate:       2.0,
		ReduceBeforeClose:  false,
		MinutesBeforeClose: 30,
	}
}

// DynamicThresholdController scales base position/leverage/stop-loss
// thresholds down as volatility, drawdown, or time-to-close worsen.
// Every adjustment multiplier is clamped to [0.1, 1.0].
type DynamicThresholdController struct {
	cfg DynamicThresholdConfig
}

// NewDynamicThresholdController creates a controller with cfg.
func NewDynamicThresholdController(cfg DynamicThresholdConfig) *DynamicThresholdController {
	return &DynamicThresholdController{cfg: cfg}
}

func clampAdj(x float64) float64 {
	if x < 0.1 {
		return 0.1
	}
	if x > 1.0 {
		return 1.0
	}
	return x
}

// VolatilityAdjustment scales down as volatilityPercentile (0-100)
// rises above the 50th percentile.
func (c *DynamicThresholdController) VolatilityAdjustment(volatilityPercentile float64) float64 {
	excess := volatilityPercentile - 50
	if excess < 0 {
		excess = 0
	}
	return clampAdj(1 - (excess/50)*c.cfg.VolScaleFactor)
}

// DrawdownAdjustment scales down once drawdown (a positive fraction,
// e.g. 0.1 for 10%) exceeds the configured start threshold.
func (c *DynamicThresholdController) DrawdownAdjustment(drawdown float64) float64 {
	excess := drawdown - c.cfg.DrawdownStart
	if excess < 0 {
		excess = 0
	}
	return clampAdj(1 - excess*c.cfg.DrawdownRate)
}

// TimeAdjustment ramps linearly from 1.0 down to 0.5 as
// minutesToClose falls from MinutesBeforeClose to 0. Returns 1.0 when
// ReduceBeforeClose is disabled or minutesToClose exceeds the window.
func (c *DynamicThresholdController) TimeAdjustment(minutesToClose float64) float64 {
	if !c.cfg.ReduceBeforeClose || c.cfg.MinutesBeforeClose <= 0 {
		return 1.0
	}
	if minutesToClose >= float64(c.cfg.MinutesBeforeClose) {
		return 1.0
	}
	if minutesToClose <= 0 {
		return 0.5
	}
	frac := minutesToClose / float64(c.cfg.MinutesBeforeClose)
	return 0.5 + 0.5*frac
}

// CombinedAdjustment multiplies the volatility, drawdown, and time
// adjustments into one scalar applied to every base threshold.
func (c *DynamicThresholdController) CombinedAdjustment(volatilityPercentile, drawdown, minutesToClose float64) float64 {
	return c.VolatilityAdjustment(volatilityPercentile) * c.DrawdownAdjustment(drawdown) * c.TimeAdjustment(minutesToClose)
}
