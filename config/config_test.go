package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.BinanceConfig.APIKey = "k"
	cfg.BinanceConfig.SecretKey = "s"
	return cfg
}

func TestDefaultValidates(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing credentials", func(c *Config) { c.BinanceConfig.APIKey = "" }},
		{"zero min notional", func(c *Config) { c.GridConfig.MinNotional = 0 }},
		{"max below min notional", func(c *Config) { c.GridConfig.MaxNotional = c.GridConfig.MinNotional - 1 }},
		{"zero max layers", func(c *Config) { c.GridConfig.MaxLayers = 0 }},
		{"zero portfolio cap", func(c *Config) { c.PortfolioConfig.MaxTotalNotional = 0 }},
		{"inverted spread bounds", func(c *Config) { c.SignalConfig.MaxSpreadBps = c.SignalConfig.MinSpreadBps }},
		{"unknown tp mode", func(c *Config) { c.ExitConfig.TPMode = "sideways" }},
		{"inverted drift bounds", func(c *Config) { c.VolConfig.DriftMax = c.VolConfig.DriftMin - 0.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("validate accepted an invalid config")
			}
		})
	}
}

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_SECRET_KEY", "env-secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BinanceConfig.APIKey != "env-key" {
		t.Fatalf("api key = %q, want env override", cfg.BinanceConfig.APIKey)
	}
	if cfg.GridConfig.MaxLayers != Default().GridConfig.MaxLayers {
		t.Fatal("defaults not applied without a file")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_SECRET_KEY", "env-secret")

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"grid": {"min_notional": 10, "max_notional": 80, "max_layers": 4,
		"spacing_growth": 1.5, "size_growth": 1.3, "base_spacing_bps": 9},
		"scanner": {"symbols": ["ETHUSDT"]}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GridConfig.MinNotional != 10 || cfg.GridConfig.MaxLayers != 4 {
		t.Fatalf("grid = %+v, want file overrides", cfg.GridConfig)
	}
	if len(cfg.ScannerConfig.Symbols) != 1 || cfg.ScannerConfig.Symbols[0] != "ETHUSDT" {
		t.Fatalf("symbols = %v", cfg.ScannerConfig.Symbols)
	}
	// Untouched sections keep their defaults.
	if cfg.ExitConfig.TPMode != "auto" {
		t.Fatalf("tp mode = %q, want default", cfg.ExitConfig.TPMode)
	}
}

func TestScopeEnvOverride(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_SECRET_KEY", "env-secret")
	t.Setenv("ACCOUNT_SCOPE", "ops-scope")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BinanceConfig.Scope != "ops-scope" {
		t.Fatalf("scope = %q, want env override", cfg.BinanceConfig.Scope)
	}
}
