package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
risk:
  max_position_size: 10
  max_leverage: 2
  max_order_size: 5
venues:
  - name: binance
    kind: rest
    base_url: https://api.binance.com
reconciliation:
  interval: 30s
  max_mismatches_before_freeze: 3
logging:
  level: info
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesNestedSections(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Risk.MaxPositionSize != 10 {
		t.Errorf("risk.max_position_size = %v, want 10", cfg.Risk.MaxPositionSize)
	}
	if len(cfg.Venues) != 1 || cfg.Venues[0].Name != "binance" {
		t.Fatalf("venues = %+v", cfg.Venues)
	}
	if cfg.Reconciliation.Interval.Seconds() != 30 {
		t.Errorf("reconciliation.interval = %v, want 30s", cfg.Reconciliation.Interval)
	}
}

func TestLoadAppliesVenueEnvOverrides(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	t.Setenv("VELOZ_VENUE_BINANCE_API_KEY", "env-key")
	t.Setenv("VELOZ_VENUE_BINANCE_API_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venues[0].APIKey != "env-key" || cfg.Venues[0].APISecret != "env-secret" {
		t.Fatalf("venue = %+v, want env-sourced credentials", cfg.Venues[0])
	}
}

func TestLoadAppliesDryRunEnvOverride(t *testing.T) {
	path := writeConfig(t, minimalYAML)
	t.Setenv("VELOZ_DRY_RUN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("expected dry_run forced true by env override")
	}
}

func TestValidateRequiresAtLeastOneVenue(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty venues")
	}
}

func TestValidateRejectsUnknownVenueKind(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].Kind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown venue kind")
	}
}

func TestValidateRequiresWSURLForWSVenue(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].Kind = "ws"
	cfg.Venues[0].WSURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing ws_url")
	}
}

func TestValidateRejectsNonPositiveRiskLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max_position_size", func(c *Config) { c.Risk.MaxPositionSize = 0 }},
		{"max_leverage", func(c *Config) { c.Risk.MaxLeverage = 0 }},
		{"max_order_size", func(c *Config) { c.Risk.MaxOrderSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestValidateRequiresMetricsAddrWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing metrics.addr")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Venues: []VenueConfig{{Name: "binance", Kind: "rest", BaseURL: "https://api.binance.com"}},
		Risk: RiskConfig{
			MaxPositionSize: 10,
			MaxLeverage:     2,
			MaxOrderSize:    5,
		},
		Reconciliation: ReconcileConfig{
			Interval:                  30_000_000_000,
			MaxMismatchesBeforeFreeze: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
