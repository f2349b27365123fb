// Package cli wires the scanner's commands: scan, instruments, status,
// config and version.
package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/config"
	"zerodha-scanner/internal/logging"
	"zerodha-scanner/internal/notify"
	"zerodha-scanner/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// App holds the shared dependencies the commands draw from. Fields stay
// nil when their prerequisites are missing (no credentials, unusable
// store path); each command checks what it needs.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Broker broker.Broker
	Ticker broker.Ticker
	Store  store.AuditStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	initBroker(app)
	initStore(app)

	rootCmd := &cobra.Command{
		Use:   "scanner",
		Short: "Zerodha Scanner - real-time NSE signal engine",
		Long: `Zerodha Scanner watches a universe of NSE equities over the Kite
Connect tick feed, builds intraday candles, and emits pullback-reversal
signals that pass an eight-filter strategy check. Approved signals are
sized against session risk limits and dispatched as bracket orders,
either to the live broker or to the built-in paper simulator.

An access token from the Kite login flow must be supplied in
credentials.toml or via ZERODHA_ACCESS_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Handle debug flag
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/zerodha-scanner)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newScanCmd(app))
	rootCmd.AddCommand(newInstrumentsCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))

	return rootCmd
}

// initBroker builds the market-data broker, the order broker and the
// tick feed from the configured credentials. In paper mode orders go to
// the simulator, which still prices itself off live Zerodha data.
func initBroker(app *App) {
	creds := app.Config.Credentials.Zerodha
	if creds.APIKey == "" || creds.AccessToken == "" {
		return
	}

	zerodha := broker.NewZerodhaBroker(broker.ZerodhaConfig{
		APIKey:      creds.APIKey,
		AccessToken: creds.AccessToken,
	})
	if app.Config.IsPaperMode() {
		app.Broker = broker.NewPaperBroker(broker.PaperBrokerConfig{DataBroker: zerodha})
		app.Logger.Debug().Str("api_key", logging.MaskSecret(creds.APIKey)).Msg("Paper broker initialized over Zerodha market data")
	} else {
		app.Broker = zerodha
		app.Logger.Debug().Str("api_key", logging.MaskSecret(creds.APIKey)).Msg("Zerodha broker initialized")
	}

	app.Ticker = broker.NewZerodhaTicker(broker.ZerodhaTickerConfig{
		APIKey:      creds.APIKey,
		AccessToken: creds.AccessToken,
		MaxRetries:  app.Config.Feed.ReconnectMaxRetries,
		BaseDelay:   app.Config.Feed.ReconnectBaseDelay,
	})
	app.Logger.Debug().Msg("Zerodha ticker initialized")
}

func initStore(app *App) {
	dbPath := app.Config.Store.Path
	if dbPath == "" {
		dbPath = filepath.Join(config.DefaultConfigDir(), "scanner.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		app.Logger.Warn().Err(err).Str("path", dbPath).Msg("Audit store directory unavailable")
		return
	}

	auditStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		app.Logger.Warn().Err(err).Str("path", dbPath).Msg("Audit store unavailable; scan and status need it")
		return
	}
	app.Store = auditStore
	app.Logger.Debug().Str("path", dbPath).Msg("Audit store initialized")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Zerodha Scanner v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage scanner configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create template configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			configDir, _ := cmd.Flags().GetString("config")
			if configDir == "" {
				configDir = config.DefaultConfigDir()
			}

			written, err := config.WriteTemplates(configDir)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"written": written})
			}
			if len(written) == 0 {
				output.Info("Configuration already present in %s", configDir)
				return nil
			}
			for _, path := range written {
				output.Success("✓ Created %s", path)
			}
			output.Println("Fill in credentials.toml before scanning.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:      %s\n", cfg.Trading.Mode)
	output.Printf("  Product:   %s\n", cfg.Trading.Product)
	output.Printf("  Exchange:  %s\n", cfg.Trading.Exchange)
	output.Println()

	output.Bold("Scanner")
	output.Printf("  Symbols:   %s\n", strings.Join(cfg.Scanner.Symbols, ", "))
	output.Printf("  Interval:  %s\n", cfg.Scanner.Interval)
	output.Printf("  Workers:   %d\n", cfg.Scanner.Workers)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Capital:         %s\n", notify.FormatCurrency(cfg.Risk.Capital))
	output.Printf("  Risk per trade:  %.1f%%\n", cfg.Risk.RiskPerTrade*100)
	output.Printf("  Max open:        %d\n", cfg.Risk.MaxOpenPositions)
	output.Printf("  Max trades/day:  %d\n", cfg.Risk.MaxTradesPerDay)
	output.Printf("  Max daily loss:  %.1f%%\n", cfg.Risk.MaxDailyLoss*100)
	output.Println()

	output.Bold("Execution")
	output.Printf("  Ack timeout:  %s\n", cfg.Execution.AckTimeout)
	output.Printf("  Max hold:     %s\n", cfg.Execution.MaxHold)
	output.Printf("  Square-off:   %s IST\n", cfg.Execution.SquareOff)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:  %v\n", cfg.Notifications.Enabled)
	output.Printf("  Webhook:  %v\n", cfg.Notifications.Webhook.Enabled)
	output.Println()

	output.Bold("Metrics")
	output.Printf("  Enabled:  %v\n", cfg.Metrics.Enabled)
	output.Printf("  Addr:     %s\n", cfg.Metrics.Addr)
}
