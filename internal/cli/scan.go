package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/config"
	"zerodha-scanner/internal/execution"
	"zerodha-scanner/internal/indicators"
	"zerodha-scanner/internal/market"
	"zerodha-scanner/internal/metrics"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/notify"
	"zerodha-scanner/internal/risk"
	"zerodha-scanner/internal/scanner"
	"zerodha-scanner/internal/strategy"
	"zerodha-scanner/internal/stream"
)

func newScanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run the signal engine until interrupted",
		Long: `Scan subscribes to the tick feed for the configured universe, builds
intraday candles, evaluates the strategy on every candle close, and
dispatches approved signals as bracket orders. Runs until Ctrl+C or
SIGTERM; positions still open at square-off are closed by the exit
supervisor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, app)
		},
	}
	cmd.Flags().StringSlice("symbols", nil, "override the configured symbol universe")
	cmd.Flags().Bool("paper", false, "force paper execution regardless of trading.mode")
	return cmd
}

func runScan(cmd *cobra.Command, app *App) error {
	output := NewOutput(cmd)
	cfg := app.Config

	if app.Broker == nil || app.Ticker == nil {
		return fmt.Errorf("zerodha credentials not configured: run 'scanner config init' and fill in credentials.toml")
	}
	if app.Store == nil {
		return fmt.Errorf("audit store unavailable: signals cannot be persisted")
	}

	if paper, _ := cmd.Flags().GetBool("paper"); paper && !cfg.IsPaperMode() {
		app.Broker = broker.NewPaperBroker(broker.PaperBrokerConfig{DataBroker: app.Broker})
		cfg.Trading.Mode = "paper"
		app.Logger.Info().Msg("Paper mode forced from the command line")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	symbols := cfg.Scanner.Symbols
	if override, _ := cmd.Flags().GetStringSlice("symbols"); len(override) > 0 {
		symbols = override
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured: set scanner.symbols or pass --symbols")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exchange := models.Exchange(cfg.Trading.Exchange)
	universe := broker.NewUniverse(app.Broker)
	resolved, unknown, err := universe.Resolve(ctx, exchange, symbols)
	if err != nil {
		return fmt.Errorf("resolving universe: %w", err)
	}
	if len(unknown) > 0 {
		output.Warning("⚠ Unknown symbols skipped: %s", strings.Join(unknown, ", "))
	}
	if len(resolved) == 0 {
		return fmt.Errorf("none of the configured symbols resolve on %s", exchange)
	}

	clock, err := market.NewClock(cfg.Execution.SquareOff)
	if err != nil {
		return fmt.Errorf("building session clock: %w", err)
	}

	snapshots, err := indicators.NewEngine(indicators.Params{
		TrendPeriod:  cfg.Strategy.TrendPeriod,
		FastPeriod:   cfg.Strategy.FastPeriod,
		RSIPeriod:    cfg.Strategy.RSIPeriod,
		VolumePeriod: cfg.Strategy.VolumePeriod,
		MACDFast:     cfg.Strategy.MACDFast,
		MACDSlow:     cfg.Strategy.MACDSlow,
		MACDSignal:   cfg.Strategy.MACDSignal,
		VWAPBand:     cfg.Strategy.VWAPBand,
	})
	if err != nil {
		return fmt.Errorf("building indicator engine: %w", err)
	}

	detector := strategy.NewDetector(strategy.Params{
		RSIOversold:      cfg.Strategy.RSIOversold,
		RSIOverbought:    cfg.Strategy.RSIOverbought,
		VolumeMultiplier: cfg.Strategy.VolumeMultiplier,
		MinSeparation:    cfg.Strategy.MinSeparation,
		MinRange:         cfg.Strategy.MinRange,
		StopPercent:      cfg.Strategy.StopPercent,
		TargetPercent:    cfg.Strategy.TargetPercent,
	})

	ledger := risk.NewLedger(cfg.Risk)
	bus := stream.NewBus()
	dispatcher := execution.NewDispatcher(app.Broker, ledger, app.Store, bus, clock, cfg.Execution, app.Logger)
	engine := scanner.NewEngine(resolved, app.Broker, app.Ticker, dispatcher, detector, snapshots,
		ledger, app.Store, bus, clock, cfg.Scanner, cfg.Feed, app.Logger)

	var notifier *notify.Notifier
	if cfg.Notifications.Enabled {
		notifier = notify.NewNotifier(bus, cfg.Notifications, app.Logger)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New(metrics.Providers{
			Stats: engine.Stats,
			Risk:  ledger.Snapshot,
			Bus:   bus.Metrics,
		})
		metricsSrv = metrics.NewServer(cfg.Metrics, m, app.Logger)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
	}

	bus.Start(ctx)
	if notifier != nil {
		if err := notifier.Start(ctx); err != nil {
			bus.Stop()
			stopMetrics(metricsSrv)
			return fmt.Errorf("starting notifier: %w", err)
		}
	}
	if err := engine.Start(ctx); err != nil {
		if notifier != nil {
			notifier.Stop()
		}
		bus.Stop()
		stopMetrics(metricsSrv)
		return fmt.Errorf("starting engine: %w", err)
	}

	printScanBanner(output, cfg, clock, len(resolved), metricsSrv)

	started := time.Now()
	<-ctx.Done()
	stop()

	output.Println()
	output.Info("Shutting down...")

	engine.Stop()
	if notifier != nil {
		notifier.Stop()
	}
	bus.Stop()
	stopMetrics(metricsSrv)

	printScanSummary(output, app, engine, clock, time.Since(started))
	return nil
}

func stopMetrics(srv *metrics.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
}

func printScanBanner(output *Output, cfg *config.Config, clock *market.Clock, instruments int, metricsSrv *metrics.Server) {
	if cfg.IsPaperMode() {
		output.Info("📡 Scanning %d instruments on %s (%s candles, PAPER mode)",
			instruments, cfg.Trading.Exchange, cfg.Scanner.Interval)
	} else {
		output.Warning("📡 Scanning %d instruments on %s (%s candles, LIVE mode: real orders will be placed)",
			instruments, cfg.Trading.Exchange, cfg.Scanner.Interval)
	}
	output.Dim("Square-off at %s IST, Ctrl+C to stop", cfg.Execution.SquareOff)
	if metricsSrv != nil {
		output.Dim("Metrics on http://%s/metrics", metricsSrv.Addr())
	}

	now := time.Now()
	if !clock.IsOpenAt(now) {
		output.Dim("Market closed; next session opens %s",
			clock.NextOpen(now).In(clock.Location()).Format("02-Jan-2006 15:04"))
	}
}

func printScanSummary(output *Output, app *App, engine *scanner.Engine, clock *market.Clock, elapsed time.Duration) {
	stats := engine.Stats()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	summary, err := app.Store.SessionSummary(ctx, clock.SessionDate(time.Now()))
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Session summary unavailable")
		summary = nil
	}

	if output.IsJSON() {
		output.JSON(map[string]interface{}{
			"uptime":  elapsed.Round(time.Second).String(),
			"stats":   stats,
			"summary": summary,
		})
		return
	}

	output.Println()
	output.Bold("Session summary")
	output.Printf("  Uptime:       %s\n", FormatDuration(elapsed))
	output.Printf("  Ticks:        %d received, %d dropped\n", stats.Received, stats.Dropped)
	output.Printf("  Candles:      %d closed\n", stats.ClosedCandles)
	output.Printf("  Evaluations:  %d (%d in warmup)\n", stats.Evaluations, stats.Warmups)
	output.Printf("  Signals:      %d (%d dispatched, %d risk-rejected)\n",
		stats.Signals, stats.Dispatched, stats.RiskRejections)

	if summary != nil && summary.ClosedTrades > 0 {
		output.Printf("  Trades:       %d closed, %d wins, %d losses\n",
			summary.ClosedTrades, summary.Wins, summary.Losses)
		output.Printf("  Realized:     %s\n", output.PnL(summary.RealizedPnL))
	}
}
