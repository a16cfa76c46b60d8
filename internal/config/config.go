// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Exit       ExitConfig       `mapstructure:"exit"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Status     StatusConfig     `mapstructure:"status"`
}

// APIConfig holds exchange endpoints and credentials. If Key/Secret are
// empty the bot can only run in paper-trading mode against public endpoints.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
	Key     string `mapstructure:"key"`
	Secret  string `mapstructure:"secret"`
}

// TradingConfig controls the main loop and candidate selection.
//
//   - PaperTrading: when true, order placement is simulated inside the
//     gateway; no real orders are sent. Everything else runs unchanged.
//   - Granularity: candle granularity for strategy evaluation.
//   - CandleHistory: how many candles to pull per product.
//   - LoopSleep: pause between main-loop cycles.
//   - MaxProducts: cap on candidates evaluated per cycle.
//   - MinSignalConfidence: entries below this confidence are skipped.
//   - AnalysisWorkers: size of the per-candidate analysis pool.
type TradingConfig struct {
	PaperTrading        bool          `mapstructure:"paper_trading_mode"`
	QuoteCurrency       string        `mapstructure:"quote_currency"`
	Granularity         string        `mapstructure:"granularity"`
	CandleHistory       int           `mapstructure:"candle_history"`
	LoopSleep           time.Duration `mapstructure:"loop_sleep"`
	MaxProducts         int           `mapstructure:"max_products"`
	MinSignalConfidence float64       `mapstructure:"min_signal_confidence"`
	AnalysisWorkers     int           `mapstructure:"analysis_workers"`
	FillTimeout         time.Duration `mapstructure:"fill_timeout"`
	SellFillTimeout     time.Duration `mapstructure:"sell_fill_timeout"`
	CancelVerifyTimeout time.Duration `mapstructure:"cancel_verify_timeout"`
	OrderMaxAge         time.Duration `mapstructure:"order_max_age"`
	MinFillFraction     float64       `mapstructure:"min_fill_fraction"`
}

// RiskConfig sets the hard limits the risk manager enforces before any
// entry is admitted. All percentage fields are fractions (0.01 = 1%).
type RiskConfig struct {
	RiskPerTrade      float64 `mapstructure:"risk_per_trade"`
	MaxPositionSize   float64 `mapstructure:"max_position_size"`
	MaxTotalExposure  float64 `mapstructure:"max_total_exposure"`
	DefaultStopLoss   float64 `mapstructure:"default_stop_loss"`
	DefaultTakeProfit float64 `mapstructure:"default_take_profit"`
	MaxDrawdown       float64 `mapstructure:"max_drawdown"`
	DrawdownRelease   float64 `mapstructure:"drawdown_release"` // fraction of peak that releases the halt
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	MaxSpreadPct      float64 `mapstructure:"max_spread_pct"`
	MinBuyPressure    float64 `mapstructure:"min_buy_pressure"`
	MaxFeePct         float64 `mapstructure:"max_fee_pct"`
	MaxSlippagePct    float64 `mapstructure:"max_slippage_pct"`
	MinQuoteTrade     float64 `mapstructure:"min_quote_trade"`
	UseTrailingStop   bool    `mapstructure:"use_trailing_stop"`
	TrailingStopPct   float64 `mapstructure:"trailing_stop_pct"`
}

// ExitConfig tunes the signal-confirmed exit rules in the position monitor.
type ExitConfig struct {
	ProfitExitPct      float64       `mapstructure:"profit_exit_pct"`
	LossExitPct        float64       `mapstructure:"loss_exit_pct"` // negative, e.g. -0.02
	LossExitConfidence float64       `mapstructure:"loss_exit_confidence"`
	MaxPriceStaleness  time.Duration `mapstructure:"max_price_staleness"`
}

// StrategiesConfig selects the active strategy and tunes each evaluator.
type StrategiesConfig struct {
	Active        string              `mapstructure:"active"`
	Momentum      MomentumConfig      `mapstructure:"momentum"`
	MeanReversion MeanReversionConfig `mapstructure:"meanreversion"`
	Breakout      BreakoutConfig      `mapstructure:"breakout"`
	Hybrid        HybridConfig        `mapstructure:"hybrid"`
}

// MomentumConfig tunes the trend-following evaluator.
type MomentumConfig struct {
	ADXThreshold    float64 `mapstructure:"adx_threshold"`
	RSIBuyLow       float64 `mapstructure:"rsi_buy_low"`
	RSIBuyHigh      float64 `mapstructure:"rsi_buy_high"`
	RSISellHigh     float64 `mapstructure:"rsi_sell_high"`
	PullbackPct     float64 `mapstructure:"pullback_pct"`
	VolumeSpikeMult float64 `mapstructure:"volume_spike_mult"`
	MinScore        float64 `mapstructure:"min_score"`
}

// MeanReversionConfig tunes the band-reversion evaluator.
type MeanReversionConfig struct {
	RSIOversold   float64 `mapstructure:"rsi_oversold"`
	RSIOverbought float64 `mapstructure:"rsi_overbought"`
	MeanDistSigma float64 `mapstructure:"mean_dist_sigma"`
	MinScore      float64 `mapstructure:"min_score"`
}

// BreakoutConfig tunes the consolidation-breakout evaluator.
type BreakoutConfig struct {
	ADXConsolidation float64 `mapstructure:"adx_consolidation"`
	SqueezeWidthPct  float64 `mapstructure:"squeeze_width_pct"`
	VolumeSpikeMult  float64 `mapstructure:"volume_spike_mult"`
	MinScore         float64 `mapstructure:"min_score"`
}

// HybridConfig controls the K-of-N agreement vote.
type HybridConfig struct {
	K int `mapstructure:"k"`
}

// StoreConfig sets where durable state is persisted (a single SQLite file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the read-only status HTTP endpoint.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_API_KEY, TRADER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADER_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("TRADER_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if v := os.Getenv("TRADER_PAPER_TRADING"); v == "true" || v == "1" {
		cfg.Trading.PaperTrading = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.coinbase.com/api/v3/brokerage")
	v.SetDefault("api.ws_url", "wss://advanced-trade-ws.coinbase.com")

	v.SetDefault("trading.paper_trading_mode", true)
	v.SetDefault("trading.quote_currency", "USDC")
	v.SetDefault("trading.granularity", "FIFTEEN_MINUTE")
	v.SetDefault("trading.candle_history", 200)
	v.SetDefault("trading.loop_sleep", 60*time.Second)
	v.SetDefault("trading.max_products", 20)
	v.SetDefault("trading.min_signal_confidence", 0.50)
	v.SetDefault("trading.analysis_workers", 3)
	v.SetDefault("trading.fill_timeout", 30*time.Second)
	v.SetDefault("trading.sell_fill_timeout", 10*time.Second)
	v.SetDefault("trading.cancel_verify_timeout", 10*time.Second)
	v.SetDefault("trading.order_max_age", 5*time.Minute)
	v.SetDefault("trading.min_fill_fraction", 1.0)

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_position_size", 0.10)
	v.SetDefault("risk.max_total_exposure", 0.50)
	v.SetDefault("risk.default_stop_loss", 0.015)
	v.SetDefault("risk.default_take_profit", 0.03)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.drawdown_release", 0.95)
	v.SetDefault("risk.max_concurrent", 5)
	v.SetDefault("risk.max_spread_pct", 0.005)
	v.SetDefault("risk.min_buy_pressure", 0.45)
	v.SetDefault("risk.max_fee_pct", 0.01)
	v.SetDefault("risk.max_slippage_pct", 0.005)
	v.SetDefault("risk.min_quote_trade", 10.0)
	v.SetDefault("risk.use_trailing_stop", false)
	v.SetDefault("risk.trailing_stop_pct", 0.02)

	v.SetDefault("exit.profit_exit_pct", 0.05)
	v.SetDefault("exit.loss_exit_pct", -0.02)
	v.SetDefault("exit.loss_exit_confidence", 0.60)
	v.SetDefault("exit.max_price_staleness", 30*time.Second)

	v.SetDefault("strategies.active", "momentum")
	v.SetDefault("strategies.momentum.adx_threshold", 25.0)
	v.SetDefault("strategies.momentum.rsi_buy_low", 50.0)
	v.SetDefault("strategies.momentum.rsi_buy_high", 70.0)
	v.SetDefault("strategies.momentum.rsi_sell_high", 75.0)
	v.SetDefault("strategies.momentum.pullback_pct", 0.015)
	v.SetDefault("strategies.momentum.volume_spike_mult", 2.5)
	v.SetDefault("strategies.momentum.min_score", 3.0)
	v.SetDefault("strategies.meanreversion.rsi_oversold", 20.0)
	v.SetDefault("strategies.meanreversion.rsi_overbought", 80.0)
	v.SetDefault("strategies.meanreversion.mean_dist_sigma", 2.0)
	v.SetDefault("strategies.meanreversion.min_score", 3.0)
	v.SetDefault("strategies.breakout.adx_consolidation", 20.0)
	v.SetDefault("strategies.breakout.squeeze_width_pct", 0.04)
	v.SetDefault("strategies.breakout.volume_spike_mult", 3.0)
	v.SetDefault("strategies.breakout.min_score", 3.0)
	v.SetDefault("strategies.hybrid.k", 2)

	v.SetDefault("store.path", "data/trader.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Trading.PaperTrading && (c.API.Key == "" || c.API.Secret == "") {
		return fmt.Errorf("api.key and api.secret are required for live trading (set TRADER_API_KEY / TRADER_API_SECRET)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Trading.CandleHistory < 50 {
		return fmt.Errorf("trading.candle_history must be >= 50 (strategies need warm-up)")
	}
	if c.Trading.MaxProducts <= 0 {
		return fmt.Errorf("trading.max_products must be > 0")
	}
	if c.Trading.AnalysisWorkers <= 0 {
		return fmt.Errorf("trading.analysis_workers must be > 0")
	}
	if c.Trading.MinFillFraction <= 0 || c.Trading.MinFillFraction > 1 {
		return fmt.Errorf("trading.min_fill_fraction must be in (0, 1]")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.10 {
		return fmt.Errorf("risk.risk_per_trade must be in (0, 0.10]")
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		return fmt.Errorf("risk.max_position_size must be in (0, 1]")
	}
	if c.Risk.MaxTotalExposure <= 0 || c.Risk.MaxTotalExposure > 1 {
		return fmt.Errorf("risk.max_total_exposure must be in (0, 1]")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1)")
	}
	if c.Risk.DrawdownRelease <= 0 || c.Risk.DrawdownRelease > 1 {
		return fmt.Errorf("risk.drawdown_release must be in (0, 1]")
	}
	if c.Risk.MaxConcurrent <= 0 {
		return fmt.Errorf("risk.max_concurrent must be > 0")
	}
	if c.Risk.DefaultStopLoss <= 0 {
		return fmt.Errorf("risk.default_stop_loss must be > 0")
	}
	if c.Exit.LossExitPct >= 0 {
		return fmt.Errorf("exit.loss_exit_pct must be negative")
	}
	switch c.Strategies.Active {
	case "momentum", "meanreversion", "breakout", "hybrid":
	default:
		return fmt.Errorf("strategies.active must be one of: momentum, meanreversion, breakout, hybrid")
	}
	if c.Strategies.Hybrid.K < 1 || c.Strategies.Hybrid.K > 3 {
		return fmt.Errorf("strategies.hybrid.k must be in [1, 3]")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
