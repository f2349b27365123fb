// Package config provides configuration management for the scanner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "zerodha-scanner/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	Scanner       ScannerConfig      `mapstructure:"scanner"`
	Strategy      StrategyConfig     `mapstructure:"strategy"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Execution     ExecutionConfig    `mapstructure:"execution"`
	Feed          FeedConfig         `mapstructure:"feed"`
	Store         StoreConfig        `mapstructure:"store"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode     string `mapstructure:"mode"`     // "live", "paper"
	Product  string `mapstructure:"product"`  // MIS, CNC, NRML
	Exchange string `mapstructure:"exchange"` // NSE, BSE
}

// ScannerConfig holds the scan universe and pipeline configuration.
type ScannerConfig struct {
	Symbols   []string      `mapstructure:"symbols"`
	Interval  time.Duration `mapstructure:"interval"`   // candle interval
	History   int           `mapstructure:"history"`    // closed candles retained per instrument
	Throttle  time.Duration `mapstructure:"throttle"`   // min gap between evaluations per instrument
	Workers   int           `mapstructure:"workers"`    // tick routing shards
	QueueSize int           `mapstructure:"queue_size"` // per-worker tick queue depth
}

// StrategyConfig holds the filter thresholds.
type StrategyConfig struct {
	TrendPeriod      int     `mapstructure:"trend_period"`
	FastPeriod       int     `mapstructure:"fast_period"`
	RSIPeriod        int     `mapstructure:"rsi_period"`
	RSIOversold      float64 `mapstructure:"rsi_oversold"`
	RSIOverbought    float64 `mapstructure:"rsi_overbought"`
	VWAPBand         float64 `mapstructure:"vwap_band"`         // fraction, e.g. 0.002
	VolumePeriod     int     `mapstructure:"volume_period"`     // candles in the rolling mean
	VolumeMultiplier float64 `mapstructure:"volume_multiplier"` // candle volume vs mean
	MinSeparation    float64 `mapstructure:"min_separation"`    // fast vs trend EMA, fraction
	MinRange         float64 `mapstructure:"min_range"`         // candle range vs close, fraction
	MACDFast         int     `mapstructure:"macd_fast"`
	MACDSlow         int     `mapstructure:"macd_slow"`
	MACDSignal       int     `mapstructure:"macd_signal"`
	StopPercent      float64 `mapstructure:"stop_percent"`   // fraction of entry
	TargetPercent    float64 `mapstructure:"target_percent"` // fraction of entry
}

// RiskConfig holds portfolio-level risk limits.
type RiskConfig struct {
	Capital          float64 `mapstructure:"capital"`
	RiskPerTrade     float64 `mapstructure:"risk_per_trade"`     // fraction of capital at the stop
	MaxOpenPositions int     `mapstructure:"max_open_positions"` // includes active reservations
	MaxTradesPerDay  int     `mapstructure:"max_trades_per_day"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"` // fraction of capital
}

// ExecutionConfig holds order dispatch and exit supervision settings.
type ExecutionConfig struct {
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	MinExitProfit float64       `mapstructure:"min_exit_profit"` // reference-return exit threshold
	ReferenceBand float64       `mapstructure:"reference_band"`  // closeness to session VWAP
	MaxHold       time.Duration `mapstructure:"max_hold"`
	SquareOff     string        `mapstructure:"square_off"` // HH:MM, IST
}

// FeedConfig holds feed reconnection and poll fallback settings.
type FeedConfig struct {
	ReconnectMaxRetries int           `mapstructure:"reconnect_max_retries"`
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	PollAfter           time.Duration `mapstructure:"poll_after"`    // feed downtime before polling starts
	PollInterval        time.Duration `mapstructure:"poll_interval"` // gap between poll sweeps
	PollRate            float64       `mapstructure:"poll_rate"`     // historical API requests per second
	HistoryDays         int           `mapstructure:"history_days"`  // backfill span at startup
}

// StoreConfig holds audit store settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// ZerodhaCredentials holds Zerodha API credentials. The access token
// is obtained out of band (Kite login flow) and supplied here or via
// the ZERODHA_ACCESS_TOKEN environment variable.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/zerodha-scanner"
	}
	return filepath.Join(home, ".config", "zerodha-scanner")
}

// Default returns the built-in defaults without reading any files.
// Useful as a fallback when no config exists yet.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults are static and always decode; a failure here is a
		// programming error.
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.product", "MIS")
	v.SetDefault("trading.exchange", "NSE")

	v.SetDefault("scanner.interval", "5m")
	v.SetDefault("scanner.history", 200)
	v.SetDefault("scanner.throttle", "5s")
	v.SetDefault("scanner.workers", 4)
	v.SetDefault("scanner.queue_size", 256)

	v.SetDefault("strategy.trend_period", 50)
	v.SetDefault("strategy.fast_period", 20)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.rsi_oversold", 30.0)
	v.SetDefault("strategy.rsi_overbought", 70.0)
	v.SetDefault("strategy.vwap_band", 0.002)
	v.SetDefault("strategy.volume_period", 20)
	v.SetDefault("strategy.volume_multiplier", 1.2)
	v.SetDefault("strategy.min_separation", 0.005)
	v.SetDefault("strategy.min_range", 0.0015)
	v.SetDefault("strategy.macd_fast", 12)
	v.SetDefault("strategy.macd_slow", 26)
	v.SetDefault("strategy.macd_signal", 9)
	v.SetDefault("strategy.stop_percent", 0.003)
	v.SetDefault("strategy.target_percent", 0.007)

	v.SetDefault("risk.capital", 1000000.0)
	v.SetDefault("risk.risk_per_trade", 0.02)
	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.max_trades_per_day", 10)
	v.SetDefault("risk.max_daily_loss", 0.03)

	v.SetDefault("execution.ack_timeout", "5s")
	v.SetDefault("execution.min_exit_profit", 0.002)
	v.SetDefault("execution.reference_band", 0.001)
	v.SetDefault("execution.max_hold", "2h")
	v.SetDefault("execution.square_off", "15:15")

	v.SetDefault("feed.reconnect_max_retries", 5)
	v.SetDefault("feed.reconnect_base_delay", "1s")
	v.SetDefault("feed.poll_after", "30s")
	v.SetDefault("feed.poll_interval", "60s")
	v.SetDefault("feed.poll_rate", 3.0)
	v.SetDefault("feed.history_days", 5)

	v.SetDefault("store.path", filepath.Join(DefaultConfigDir(), "scanner.db"))

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":2112")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "scanner.log"))
}

func applyEnvOverrides(cfg *Config) {
	// Zerodha credentials
	if v := os.Getenv("ZERODHA_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("ZERODHA_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("ZERODHA_USER_ID"); v != "" {
		cfg.Credentials.Zerodha.UserID = v
	}
	if v := os.Getenv("ZERODHA_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}

	// Scanner overrides
	if v := os.Getenv("SCANNER_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("SCANNER_SYMBOLS"); v != "" {
		cfg.Scanner.Symbols = splitSymbols(v)
	}
}

func splitSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return apperrors.NewConfigError("trading.mode", c.Trading.Mode, "must be 'live' or 'paper'")
	}

	if c.Scanner.Interval < time.Minute {
		return apperrors.NewConfigError("scanner.interval", c.Scanner.Interval, "must be at least 1m")
	}
	if c.Scanner.History < 1 {
		return apperrors.NewConfigError("scanner.history", c.Scanner.History, "must be positive")
	}
	if c.Scanner.Throttle <= 0 {
		return apperrors.NewConfigError("scanner.throttle", c.Scanner.Throttle, "must be positive")
	}
	if c.Scanner.Workers < 1 {
		return apperrors.NewConfigError("scanner.workers", c.Scanner.Workers, "must be at least 1")
	}

	if c.Strategy.TrendPeriod <= c.Strategy.FastPeriod {
		return apperrors.NewConfigError("strategy.trend_period", c.Strategy.TrendPeriod, "must exceed fast_period")
	}
	if c.Strategy.RSIOversold >= c.Strategy.RSIOverbought {
		return apperrors.NewConfigError("strategy.rsi_oversold", c.Strategy.RSIOversold, "must be below rsi_overbought")
	}
	if c.Strategy.MACDFast >= c.Strategy.MACDSlow {
		return apperrors.NewConfigError("strategy.macd_fast", c.Strategy.MACDFast, "must be below macd_slow")
	}
	if c.Strategy.StopPercent <= 0 {
		return apperrors.NewConfigError("strategy.stop_percent", c.Strategy.StopPercent, "must be positive")
	}
	if c.Strategy.TargetPercent <= 0 {
		return apperrors.NewConfigError("strategy.target_percent", c.Strategy.TargetPercent, "must be positive")
	}

	if c.Risk.Capital <= 0 {
		return apperrors.NewConfigError("risk.capital", c.Risk.Capital, "must be positive")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade >= 1 {
		return apperrors.NewConfigError("risk.risk_per_trade", c.Risk.RiskPerTrade, "must be a fraction in (0, 1)")
	}
	if c.Risk.MaxOpenPositions < 1 {
		return apperrors.NewConfigError("risk.max_open_positions", c.Risk.MaxOpenPositions, "must be at least 1")
	}
	if c.Risk.MaxTradesPerDay < 1 {
		return apperrors.NewConfigError("risk.max_trades_per_day", c.Risk.MaxTradesPerDay, "must be at least 1")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss >= 1 {
		return apperrors.NewConfigError("risk.max_daily_loss", c.Risk.MaxDailyLoss, "must be a fraction in (0, 1)")
	}

	if c.Execution.AckTimeout <= 0 {
		return apperrors.NewConfigError("execution.ack_timeout", c.Execution.AckTimeout, "must be positive")
	}
	if _, err := ParseClock(c.Execution.SquareOff); err != nil {
		return apperrors.NewConfigError("execution.square_off", c.Execution.SquareOff, "must be HH:MM")
	}

	if c.Feed.PollRate <= 0 {
		return apperrors.NewConfigError("feed.poll_rate", c.Feed.PollRate, "must be positive")
	}

	return nil
}

// ParseClock parses an HH:MM wall-clock string into hour and minute.
func ParseClock(s string) ([2]int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return [2]int{}, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return [2]int{}, fmt.Errorf("out of range: %s", s)
	}
	return [2]int{h, m}, nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}
