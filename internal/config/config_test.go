package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.True(t, cfg.IsPaperMode())
	assert.Equal(t, "NSE", cfg.Trading.Exchange)
	assert.Equal(t, 5*time.Minute, cfg.Scanner.Interval)
	assert.Equal(t, 4, cfg.Scanner.Workers)
	assert.Equal(t, 50, cfg.Strategy.TrendPeriod)
	assert.Equal(t, 0.02, cfg.Risk.RiskPerTrade)
	assert.Equal(t, "15:15", cfg.Execution.SquareOff)
	assert.Equal(t, 3.0, cfg.Feed.PollRate)
	assert.Equal(t, ":2112", cfg.Metrics.Addr)
}

func TestLoadFromTemplates(t *testing.T) {
	dir := t.TempDir()

	written, err := WriteTemplates(dir)
	require.NoError(t, err)
	require.Len(t, written, 2)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Trading.Mode)
	assert.Contains(t, cfg.Scanner.Symbols, "RELIANCE")
	assert.Equal(t, 5*time.Minute, cfg.Scanner.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Execution.MaxHold)
	assert.Equal(t, 1000000.0, cfg.Risk.Capital)
	assert.Empty(t, cfg.Credentials.Zerodha.APIKey)
}

func TestLoadCreatesTemplatesWhenMissing(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created template")
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteTemplates(dir)
	require.NoError(t, err)

	t.Setenv("ZERODHA_API_KEY", "key123")
	t.Setenv("ZERODHA_ACCESS_TOKEN", "tok456")
	t.Setenv("SCANNER_MODE", "live")
	t.Setenv("SCANNER_SYMBOLS", "SBIN, INFY ,TATAMOTORS")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "key123", cfg.Credentials.Zerodha.APIKey)
	assert.Equal(t, "tok456", cfg.Credentials.Zerodha.AccessToken)
	assert.Equal(t, "live", cfg.Trading.Mode)
	assert.False(t, cfg.IsPaperMode())
	assert.Equal(t, []string{"SBIN", "INFY", "TATAMOTORS"}, cfg.Scanner.Symbols)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Trading.Mode = "swing" }, "trading.mode"},
		{"interval too short", func(c *Config) { c.Scanner.Interval = 30 * time.Second }, "scanner.interval"},
		{"zero workers", func(c *Config) { c.Scanner.Workers = 0 }, "scanner.workers"},
		{"trend not above fast", func(c *Config) { c.Strategy.TrendPeriod = 20 }, "strategy.trend_period"},
		{"rsi bands inverted", func(c *Config) { c.Strategy.RSIOversold = 75 }, "strategy.rsi_oversold"},
		{"macd fast not below slow", func(c *Config) { c.Strategy.MACDFast = 26 }, "strategy.macd_fast"},
		{"zero stop", func(c *Config) { c.Strategy.StopPercent = 0 }, "strategy.stop_percent"},
		{"zero capital", func(c *Config) { c.Risk.Capital = 0 }, "risk.capital"},
		{"risk fraction out of range", func(c *Config) { c.Risk.RiskPerTrade = 1.5 }, "risk.risk_per_trade"},
		{"daily loss out of range", func(c *Config) { c.Risk.MaxDailyLoss = 1 }, "risk.max_daily_loss"},
		{"zero ack timeout", func(c *Config) { c.Execution.AckTimeout = 0 }, "execution.ack_timeout"},
		{"bad square off", func(c *Config) { c.Execution.SquareOff = "25:99" }, "execution.square_off"},
		{"zero poll rate", func(c *Config) { c.Feed.PollRate = 0 }, "feed.poll_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClock(t *testing.T) {
	hm, err := ParseClock("09:15")
	require.NoError(t, err)
	assert.Equal(t, [2]int{9, 15}, hm)

	hm, err = ParseClock("15:15")
	require.NoError(t, err)
	assert.Equal(t, [2]int{15, 15}, hm)

	for _, bad := range []string{"banana", "24:00", "12:60", ""} {
		_, err := ParseClock(bad)
		assert.Error(t, err, "ParseClock(%q)", bad)
	}
}

func TestWriteTemplatesNeverClobbers(t *testing.T) {
	dir := t.TempDir()

	written, err := WriteTemplates(dir)
	require.NoError(t, err)
	require.Len(t, written, 2)

	custom := []byte("[trading]\nmode = \"live\"\n")
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, custom, 0o644))

	written, err = WriteTemplates(dir)
	require.NoError(t, err)
	assert.Empty(t, written)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, custom, got)
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"SBIN"}, splitSymbols("SBIN"))
	assert.Equal(t, []string{"SBIN", "TCS"}, splitSymbols(" SBIN , TCS "))
	assert.Empty(t, splitSymbols(",, ,"))
}
