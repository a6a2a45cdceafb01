// Package config defines all configuration for the trading core. Config
// is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields (venue API keys/secrets) overridable via VELOZ_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun         bool            `mapstructure:"dry_run"`
	WAL            WALConfig       `mapstructure:"wal"`
	Risk           RiskConfig      `mapstructure:"risk"`
	Venues         []VenueConfig   `mapstructure:"venues"`
	Symbols        []SymbolConfig  `mapstructure:"symbols"`
	Router         RouterConfig    `mapstructure:"router"`
	Reconciliation ReconcileConfig `mapstructure:"reconciliation"`
	Logging        LoggingConfig   `mapstructure:"logging"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
	Events         EventsConfig    `mapstructure:"events"`
}

// SymbolConfig names one tradeable symbol's base/quote assets, used by
// the order core to reserve and credit the right asset on place/fill.
type SymbolConfig struct {
	Symbol     string `mapstructure:"symbol"`
	BaseAsset  string `mapstructure:"base_asset"`
	QuoteAsset string `mapstructure:"quote_asset"`
}

// WALConfig controls write-ahead log placement and rotation.
type WALConfig struct {
	Directory          string `mapstructure:"directory"`
	FilePrefix         string `mapstructure:"file_prefix"`
	MaxFileSizeBytes   int64  `mapstructure:"max_file_size_bytes"`
	MaxFiles           int    `mapstructure:"max_files"`
	SyncOnWrite        bool   `mapstructure:"sync_on_write"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval"`
}

// RiskConfig mirrors risk.Config's pre-trade and post-trade limits.
//
//   - MaxPositionSize/MaxLeverage/MaxOrderSize/MaxPriceDeviation/
//     MaxOrderRate: the six-stage pre-trade admission chain's limits.
//   - StopLossPct/TakeProfitPct: post-trade unrealized-return triggers.
//   - CircuitBreakerCooldown: how long a rate-limit breach disables
//     order admission before auto-reset.
type RiskConfig struct {
	AccountBalanceUSD      float64       `mapstructure:"account_balance_usd"`
	MaxPositionSize        float64       `mapstructure:"max_position_size"`
	MaxLeverage            float64       `mapstructure:"max_leverage"`
	MaxPriceDeviation      float64       `mapstructure:"max_price_deviation"`
	MaxOrderRate           int           `mapstructure:"max_order_rate"`
	MaxOrderSize           float64       `mapstructure:"max_order_size"`
	StopLossEnabled        bool          `mapstructure:"stop_loss_enabled"`
	StopLossPct            float64       `mapstructure:"stop_loss_pct"`
	TakeProfitEnabled      bool          `mapstructure:"take_profit_enabled"`
	TakeProfitPct          float64       `mapstructure:"take_profit_pct"`
	CircuitBreakerCooldown time.Duration `mapstructure:"circuit_breaker_cooldown"`
	MaxAlerts              int           `mapstructure:"max_alerts"`
}

// VenueConfig describes one venue's connection: transport, credentials,
// and which of the two transports (REST polling vs WebSocket push) the
// venue offers.
type VenueConfig struct {
	Name       string        `mapstructure:"name"`
	Kind       string        `mapstructure:"kind"` // "rest", "ws", or "rest+ws"
	BaseURL    string        `mapstructure:"base_url"`
	WSURL      string        `mapstructure:"ws_url"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	DryRun     bool          `mapstructure:"dry_run"`
}

// RouterConfig tunes the smart order router's venue-scoring weights and
// per-venue order-split floors.
type RouterConfig struct {
	PriceWeight         float64            `mapstructure:"price_weight"`
	FeeWeight           float64            `mapstructure:"fee_weight"`
	LatencyWeight       float64            `mapstructure:"latency_weight"`
	LiquidityWeight     float64            `mapstructure:"liquidity_weight"`
	ReliabilityWeight   float64            `mapstructure:"reliability_weight"`
	MinOrderSizeByVenue map[string]float64 `mapstructure:"min_order_size_by_venue"`
	StalenessThreshold  time.Duration      `mapstructure:"staleness_threshold"`
}

// ReconcileConfig mirrors reconcile.Config.
type ReconcileConfig struct {
	Interval                  time.Duration `mapstructure:"interval"`
	StaleOrderThreshold       time.Duration `mapstructure:"stale_order_threshold"`
	AutoCancelOrphaned        bool          `mapstructure:"auto_cancel_orphaned"`
	FreezeOnMismatch          bool          `mapstructure:"freeze_on_mismatch"`
	MaxMismatchesBeforeFreeze int           `mapstructure:"max_mismatches_before_freeze"`
	MaxAuditHistory           int           `mapstructure:"max_audit_history"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format"` // "text" or "json"
}

// MetricsConfig controls the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"` // e.g. ":9090"
}

// EventsConfig controls the line-delimited JSON event sink.
type EventsConfig struct {
	OutputPath string `mapstructure:"output_path"` // "-" for stdout
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: VELOZ_DRY_RUN, and per-venue
// VELOZ_VENUE_<NAME>_API_KEY / VELOZ_VENUE_<NAME>_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VELOZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if os.Getenv("VELOZ_DRY_RUN") == "true" || os.Getenv("VELOZ_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
	for i := range cfg.Venues {
		applyVenueEnvOverrides(&cfg.Venues[i])
	}

	return &cfg, nil
}

// applyVenueEnvOverrides lets an operator supply per-venue secrets out of
// band rather than in the YAML file, named VELOZ_VENUE_<NAME>_API_KEY /
// VELOZ_VENUE_<NAME>_API_SECRET with the venue name upper-cased.
func applyVenueEnvOverrides(vc *VenueConfig) {
	name := strings.ToUpper(strings.ReplaceAll(vc.Name, "-", "_"))
	if key := os.Getenv("VELOZ_VENUE_" + name + "_API_KEY"); key != "" {
		vc.APIKey = key
	}
	if secret := os.Getenv("VELOZ_VENUE_" + name + "_API_SECRET"); secret != "" {
		vc.APISecret = secret
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	for _, vc := range c.Venues {
		if vc.Name == "" {
			return fmt.Errorf("venues: name is required")
		}
		switch vc.Kind {
		case "rest", "ws", "rest+ws":
		default:
			return fmt.Errorf("venues[%s]: kind must be one of rest, ws, rest+ws", vc.Name)
		}
		if vc.Kind != "ws" && vc.BaseURL == "" {
			return fmt.Errorf("venues[%s]: base_url is required for kind %q", vc.Name, vc.Kind)
		}
		if vc.Kind != "rest" && vc.WSURL == "" {
			return fmt.Errorf("venues[%s]: ws_url is required for kind %q", vc.Name, vc.Kind)
		}
	}
	for _, sc := range c.Symbols {
		if sc.Symbol == "" || sc.BaseAsset == "" || sc.QuoteAsset == "" {
			return fmt.Errorf("symbols: symbol, base_asset, and quote_asset are all required")
		}
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Risk.MaxOrderSize <= 0 {
		return fmt.Errorf("risk.max_order_size must be > 0")
	}
	if c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be > 0")
	}
	if c.Reconciliation.MaxMismatchesBeforeFreeze <= 0 {
		return fmt.Errorf("reconciliation.max_mismatches_before_freeze must be > 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled is true")
	}
	return nil
}
