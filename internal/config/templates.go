package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Zerodha Scanner Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Product type: MIS, CNC, NRML
product = "MIS"
# Exchange: NSE, BSE
exchange = "NSE"

[scanner]
# Instruments to scan
symbols = ["RELIANCE", "TCS", "HDFCBANK", "INFY", "ICICIBANK"]
# Candle interval
interval = "5m"
# Closed candles retained per instrument
history = 200
# Minimum gap between evaluations of one instrument
throttle = "5s"
# Tick routing shards
workers = 4
# Per-worker tick queue depth
queue_size = 256

[strategy]
trend_period = 50
fast_period = 20
rsi_period = 14
rsi_oversold = 30.0
rsi_overbought = 70.0
# Distance from session VWAP that counts as a dip/spike (fraction)
vwap_band = 0.002
volume_period = 20
volume_multiplier = 1.2
# Minimum fast/trend EMA separation (fraction)
min_separation = 0.005
# Minimum candle range vs close (fraction)
min_range = 0.0015
macd_fast = 12
macd_slow = 26
macd_signal = 9
# Bracket distances as fractions of entry
stop_percent = 0.003
target_percent = 0.007

[risk]
# Account capital in INR
capital = 1000000.0
# Fraction of capital risked at the stop per trade
risk_per_trade = 0.02
# Open positions plus pending entries
max_open_positions = 5
max_trades_per_day = 10
# Session loss limit as a fraction of capital
max_daily_loss = 0.03

[execution]
# How long to wait for an entry order acknowledgement
ack_timeout = "5s"
# Reference-return exit: minimum profit fraction
min_exit_profit = 0.002
# Reference-return exit: closeness to session VWAP (fraction)
reference_band = 0.001
# Maximum holding duration
max_hold = "2h"
# Intraday square-off time (IST)
square_off = "15:15"

[feed]
reconnect_max_retries = 5
reconnect_base_delay = "1s"
# Feed downtime before poll fallback starts
poll_after = "30s"
# Gap between poll sweeps
poll_interval = "60s"
# Historical API requests per second
poll_rate = 3.0
# Days of candles backfilled at startup
history_days = 5

[store]
# SQLite audit log path (empty for the default under the config dir)
# path = ""

[metrics]
enabled = false
addr = ":2112"

[notifications]
enabled = true

[notifications.webhook]
enabled = false
url = ""
timeout = "5s"

[logging]
level = "info"
console = true
file = true
`

const credentialsTemplate = `# Zerodha Scanner Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[zerodha]
api_key = ""
api_secret = ""
user_id = ""
# Access token from the Kite login flow (or set ZERODHA_ACCESS_TOKEN)
access_token = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}

// WriteTemplates writes fresh config and credentials templates into
// configDir, refusing to overwrite existing files.
func WriteTemplates(configDir string) ([]string, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	var written []string
	files := []struct {
		name    string
		content string
		mode    os.FileMode
	}{
		{"config.toml", configTemplate, 0644},
		{"credentials.toml", credentialsTemplate, 0600},
	}
	for _, f := range files {
		path := filepath.Join(configDir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue // never clobber an existing file
		}
		if err := os.WriteFile(path, []byte(f.content), f.mode); err != nil {
			return written, fmt.Errorf("writing %s: %w", f.name, err)
		}
		written = append(written, path)
	}
	return written, nil
}
