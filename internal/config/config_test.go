package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "trading:\n  quote_currency: USD\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trading.QuoteCurrency != "USD" {
		t.Errorf("quote currency = %q, want the file value USD", cfg.Trading.QuoteCurrency)
	}
	if !cfg.Trading.PaperTrading {
		t.Error("paper trading should default to true")
	}
	if cfg.Trading.LoopSleep != 60*time.Second {
		t.Errorf("loop sleep = %v, want default 60s", cfg.Trading.LoopSleep)
	}
	if cfg.Risk.MaxDrawdown != 0.15 {
		t.Errorf("max drawdown = %v, want default 0.15", cfg.Risk.MaxDrawdown)
	}
	if cfg.Strategies.Active != "momentum" {
		t.Errorf("active strategy = %q, want default momentum", cfg.Strategies.Active)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	t.Setenv("TRADER_API_KEY", "env-key")
	t.Setenv("TRADER_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, "api:\n  key: file-key\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Key != "env-key" || cfg.API.Secret != "env-secret" {
		t.Errorf("credentials = %q/%q, want env values", cfg.API.Key, cfg.API.Secret)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
	}{
		{"live without credentials", "trading:\n  paper_trading_mode: false\n"},
		{"loss exit must be negative", "exit:\n  loss_exit_pct: 0.02\n"},
		{"unknown strategy", "strategies:\n  active: martingale\n"},
		{"risk per trade too large", "risk:\n  risk_per_trade: 0.5\n"},
		{"candle history too short", "trading:\n  candle_history: 10\n"},
		{"hybrid k out of range", "strategies:\n  hybrid:\n    k: 4\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
