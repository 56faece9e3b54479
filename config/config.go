package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the root configuration for a single-account grid runtime.
type Config struct {
	BinanceConfig   BinanceConfig   `json:"binance"`
	RedisConfig     RedisConfig     `json:"redis"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	PortfolioConfig PortfolioConfig `json:"portfolio"`
	GridConfig      GridConfig      `json:"grid"`
	SignalConfig    SignalConfig    `json:"signals"`
	ExitConfig      ExitConfig      `json:"exit"`
	InverseTPConfig InverseTPConfig `json:"inverse_tp"`
	RiskConfig      RiskConfig      `json:"risk"`
	DynamicsConfig  DynamicsConfig  `json:"dynamics"`
	EdgeConfig      EdgeConfig      `json:"edge"`
	WaterfallConfig WaterfallConfig `json:"waterfall"`
	RecoveryConfig  RecoveryConfig  `json:"recovery"`
	VolConfig       VolConfig       `json:"volatility"`
	StealthConfig   StealthConfig   `json:"stealth"`
	ScannerConfig   ScannerConfig   `json:"scanner"`
	PersistConfig   PersistConfig   `json:"persistence"`
	BabysitConfig   BabysitConfig   `json:"babysitter"`
}

// BinanceConfig holds exchange credentials and connectivity.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	// Scope overrides the SHA-256-derived account namespace when set.
	Scope string `json:"scope"`
	// KeepPositions leaves exchange positions open on shutdown.
	KeepPositions bool `json:"keep_positions"`
	// BlacklistSymbols are never auto-closed on shutdown.
	BlacklistSymbols []string `json:"blacklist_symbols"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// PortfolioConfig caps account-wide exposure.
type PortfolioConfig struct {
	MaxTotalNotional  float64 `json:"max_total_notional"`
	MaxSymbolNotional float64 `json:"max_symbol_notional"` // 0 disables the per-symbol cap
}

// GridConfig shapes the short grid: sizing and spacing of layers.
type GridConfig struct {
	MinNotional      float64 `json:"min_notional"`
	MaxNotional      float64 `json:"max_notional"`
	MaxLayers        int     `json:"max_layers"`
	SpacingGrowth    float64 `json:"spacing_growth"`
	SizeGrowth       float64 `json:"size_growth"`
	BaseSpacingBps   float64 `json:"base_spacing_bps"`
	TrendSpacingScale float64 `json:"trend_spacing_scale"`
}

// SignalConfig gates entries on microstructure state.
type SignalConfig struct {
	MinSpreadBps         float64 `json:"min_spread_bps"`
	MaxSpreadBps         float64 `json:"max_spread_bps"`
	PumpThreshold        float64 `json:"pump_threshold"`
	ExhaustThreshold     float64 `json:"exhaust_threshold"`
	MaxTrendBps          float64 `json:"max_trend_bps"`
	MaxTrend30sBps       float64 `json:"max_trend_30s_bps"`
	MaxBuyRatio          float64 `json:"max_buy_ratio"`
	WarmupSec            float64 `json:"warmup_sec"`
	ResumeContextRewarmSec float64 `json:"resume_context_rewarm_sec"`
	CooldownSec          float64 `json:"cooldown_sec"`
	LayerCooldownSec     float64 `json:"layer_cooldown_sec"`
}

type ExitConfig struct {
	TPSpreadMult      float64 `json:"tp_spread_mult"`
	MinTPProfitBps    float64 `json:"min_tp_profit_bps"`
	TPDecayHalfLifeMin float64 `json:"tp_decay_half_life_min"` // 0 disables decay
	TPDecayFloor      float64 `json:"tp_decay_floor"`
	FastTPTI          float64 `json:"fast_tp_ti"`
	MinFastTPBps      float64 `json:"min_fast_tp_bps"`
	StopLossBps       float64 `json:"stop_loss_bps"` // 0 disables
	TPMode            string  `json:"tp_mode"`       // auto, fast, vol, long_short
	TPVolCaptureRatio float64 `json:"tp_vol_capture_ratio"`
	TPVolScaleCap     float64 `json:"tp_vol_scale_cap"`
	MakerFeeBps       float64 `json:"maker_fee_bps"`
	TakerFeeBps       float64 `json:"taker_fee_bps"`
}

type InverseTPConfig struct {
	Enabled    bool    `json:"inverse_tp_enabled"`
	MinLayers  int     `json:"inverse_tp_min_layers"`
	MaxZones   int     `json:"inverse_tp_max_zones"`
	TimeCapSec float64 `json:"inverse_tp_time_cap_sec"`
}

type RiskConfig struct {
	MaxLossBps     float64 `json:"max_loss_bps"`
	CircuitPauseSec float64 `json:"circuit_pause_sec"`
	LossCooldownSec float64 `json:"loss_cooldown_sec"`
}

type DynamicsConfig struct {
	Enabled          bool `json:"dynamic_behavior_enabled"`
	BehaviorLookback int  `json:"behavior_lookback"`
}

type EdgeConfig struct {
	MinEdgeBps         float64 `json:"min_edge_bps"`
	SignalSlopeBps     float64 `json:"edge_signal_slope_bps"`
	ExecBufferBps      float64 `json:"edge_exec_buffer_bps"`
	DefaultSlippageBps float64 `json:"edge_default_slippage_bps"`
	UncertaintyZ       float64 `json:"edge_uncertainty_z"`
	MinSamples         int     `json:"edge_min_samples"`
}

type WaterfallConfig struct {
	VolThreshold float64 `json:"waterfall_vol_threshold"`
	DecaySec     float64 `json:"waterfall_decay_sec"`
}

type RecoveryConfig struct {
	DebtEnabled             bool    `json:"recovery_debt_enabled"`
	PaydownRatio            float64 `json:"recovery_paydown_ratio"`
	MaxPaydownBps           float64 `json:"recovery_max_paydown_bps"`
	DebtCapUSD              float64 `json:"recovery_debt_cap_usd"`
	LookbackHours           float64 `json:"recovery_lookback_hours"`
	AvgMinUnrealizedBps     float64 `json:"recovery_avg_min_unrealized_bps"`
	AvgCooldownSec          float64 `json:"recovery_avg_cooldown_sec"`
	AvgMaxAddsPerHour       int     `json:"recovery_avg_max_adds_per_hour"`
	AvgMinHurdleImproveBps  float64 `json:"recovery_avg_min_hurdle_improve_bps"`
}

type VolConfig struct {
	DriftEnabled   bool               `json:"vol_drift_enabled"`
	RefreshSec     float64            `json:"vol_refresh_sec"`
	LiveWeight     float64            `json:"vol_live_weight"`
	LiveEMAAlpha   float64            `json:"vol_live_ema_alpha"`
	DriftMin       float64            `json:"vol_drift_min"`
	DriftMax       float64            `json:"vol_drift_max"`
	TailMult       float64            `json:"vol_tail_mult"`
	TailCooldownSec float64           `json:"vol_tail_cooldown_sec"`
	TFWeights      map[string]float64 `json:"vol_tf_weights"`
	TFLookbacks    map[string]int     `json:"vol_tf_lookbacks"` // candles per timeframe
}

type StealthConfig struct {
	MaxL1Fraction float64 `json:"stealth_max_l1_fraction"`
	MaxTicks      int     `json:"stealth_max_ticks"`
	AlwaysSplit   bool    `json:"stealth_always_split"`
	MinSlices     int     `json:"stealth_min_slices"`
	MaxSlices     int     `json:"stealth_max_slices"`
}

type ScannerConfig struct {
	Enabled         bool     `json:"enabled"`
	ScanIntervalSec int      `json:"scan_interval_sec"`
	MaxSymbols      int      `json:"max_symbols"`
	QuoteCurrency   string   `json:"quote_currency"`
	Symbols         []string `json:"symbols"` // explicit list; scanner adds on top
	AdoptOrphans    bool     `json:"adopt_orphans"`
}

type PersistConfig struct {
	SyncIntervalSec int `json:"sync_interval_sec"`
	RetentionDays   int `json:"retention_days"`
}

type BabysitConfig struct {
	PMSAPIURL string `json:"pms_api_url"`
}

// Load reads the configuration from the given path (or ./config.json) and
// applies environment overrides for secrets.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: env-only configuration is allowed.
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.BinanceConfig.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.BinanceConfig.SecretKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisConfig.Address = v
		cfg.RedisConfig.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisConfig.Password = v
	}
	if v := os.Getenv("PMS_API_URL"); v != "" {
		cfg.BabysitConfig.PMSAPIURL = v
	}
	if v := os.Getenv("ACCOUNT_SCOPE"); v != "" {
		cfg.BinanceConfig.Scope = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ServerConfig.Port = port
		}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
		return fmt.Errorf("binance api_key and secret_key are required")
	}
	if c.GridConfig.MinNotional <= 0 || c.GridConfig.MaxNotional < c.GridConfig.MinNotional {
		return fmt.Errorf("grid notional bounds invalid: min=%.2f max=%.2f",
			c.GridConfig.MinNotional, c.GridConfig.MaxNotional)
	}
	if c.GridConfig.MaxLayers < 1 {
		return fmt.Errorf("grid max_layers must be >= 1")
	}
	if c.PortfolioConfig.MaxTotalNotional <= 0 {
		return fmt.Errorf("portfolio max_total_notional must be > 0")
	}
	if c.SignalConfig.MinSpreadBps <= 0 || c.SignalConfig.MaxSpreadBps <= c.SignalConfig.MinSpreadBps {
		return fmt.Errorf("signal spread bounds invalid")
	}
	switch c.ExitConfig.TPMode {
	case "auto", "fast", "vol", "long_short":
	default:
		return fmt.Errorf("unknown tp_mode %q", c.ExitConfig.TPMode)
	}
	if c.VolConfig.DriftMin <= 0 || c.VolConfig.DriftMax < c.VolConfig.DriftMin {
		return fmt.Errorf("vol drift bounds invalid")
	}
	return nil
}

// Default returns the full default configuration. Values mirror the tuned
// production defaults of the short-grid strategy.
func Default() *Config {
	return &Config{
		RedisConfig: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		PortfolioConfig: PortfolioConfig{
			MaxTotalNotional:  300,
			MaxSymbolNotional: 0,
		},
		GridConfig: GridConfig{
			MinNotional:       6,
			MaxNotional:       30,
			MaxLayers:         6,
			SpacingGrowth:     1.6,
			SizeGrowth:        1.35,
			BaseSpacingBps:    7,
			TrendSpacingScale: 50,
		},
		SignalConfig: SignalConfig{
			MinSpreadBps:           5,
			MaxSpreadBps:           60,
			PumpThreshold:          2.0,
			ExhaustThreshold:       1.0,
			MaxTrendBps:            12,
			MaxTrend30sBps:         80,
			MaxBuyRatio:            3.0,
			WarmupSec:              45,
			ResumeContextRewarmSec: 20,
			CooldownSec:            8,
			LayerCooldownSec:       4,
		},
		ExitConfig: ExitConfig{
			TPSpreadMult:       1.2,
			MinTPProfitBps:     10,
			TPDecayHalfLifeMin: 0,
			TPDecayFloor:       0.6,
			FastTPTI:           -0.35,
			MinFastTPBps:       4,
			StopLossBps:        0,
			TPMode:             "auto",
			TPVolCaptureRatio:  0.5,
			TPVolScaleCap:      40,
			MakerFeeBps:        2.52,
			TakerFeeBps:        3.36,
		},
		InverseTPConfig: InverseTPConfig{
			Enabled:    true,
			MinLayers:  3,
			MaxZones:   5,
			TimeCapSec: 900,
		},
		RiskConfig: RiskConfig{
			MaxLossBps:      400,
			CircuitPauseSec: 600,
			LossCooldownSec: 30,
		},
		DynamicsConfig: DynamicsConfig{
			Enabled:          true,
			BehaviorLookback: 20,
		},
		EdgeConfig: EdgeConfig{
			MinEdgeBps:         1.5,
			SignalSlopeBps:     1.0,
			ExecBufferBps:      0.8,
			DefaultSlippageBps: 1.2,
			UncertaintyZ:       0.8,
			MinSamples:         5,
		},
		WaterfallConfig: WaterfallConfig{
			VolThreshold: 3.0,
			DecaySec:     20,
		},
		RecoveryConfig: RecoveryConfig{
			DebtEnabled:            true,
			PaydownRatio:           0.25,
			MaxPaydownBps:          6,
			DebtCapUSD:             50,
			LookbackHours:          24,
			AvgMinUnrealizedBps:    60,
			AvgCooldownSec:         120,
			AvgMaxAddsPerHour:      4,
			AvgMinHurdleImproveBps: 0.5,
		},
		VolConfig: VolConfig{
			DriftEnabled:    true,
			RefreshSec:      180,
			LiveWeight:      0.35,
			LiveEMAAlpha:    0.2,
			DriftMin:        0.6,
			DriftMax:        2.5,
			TailMult:        3.0,
			TailCooldownSec: 120,
			TFWeights:       map[string]float64{"1m": 0.5, "5m": 0.3, "15m": 0.2},
			TFLookbacks:     map[string]int{"1m": 360, "5m": 576, "15m": 672},
		},
		StealthConfig: StealthConfig{
			MaxL1Fraction: 0.25,
			MaxTicks:      5,
			AlwaysSplit:   true,
			MinSlices:     2,
			MaxSlices:     5,
		},
		ScannerConfig: ScannerConfig{
			Enabled:         false,
			ScanIntervalSec: 300,
			MaxSymbols:      30,
			QuoteCurrency:   "USDT",
			AdoptOrphans:    true,
		},
		PersistConfig: PersistConfig{
			SyncIntervalSec: 15,
			RetentionDays:   7,
		},
	}
}
