package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"zerodha-scanner/internal/market"
	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/notify"
	"zerodha-scanner/internal/store"
)

func newStatusCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a session's audit summary and rebuilt risk state",
		Long: `Status reads the audit log for one session date and prints the signal
and trade tallies, the risk counters a restarted scanner would resume
with, and the most recent signals and position transitions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, app)
		},
	}
	cmd.Flags().String("date", "", "session date, YYYY-MM-DD (default: today IST)")
	cmd.Flags().Int("limit", 10, "recent signals and position events to show")
	return cmd
}

func runStatus(cmd *cobra.Command, app *App) error {
	output := NewOutput(cmd)

	if app.Store == nil {
		return fmt.Errorf("audit store unavailable")
	}

	date, _ := cmd.Flags().GetString("date")
	if date == "" {
		clock, err := market.NewClock(app.Config.Execution.SquareOff)
		if err != nil {
			return fmt.Errorf("building session clock: %w", err)
		}
		date = clock.SessionDate(time.Now())
	}
	limit, _ := cmd.Flags().GetInt("limit")

	ctx := cmd.Context()
	summary, err := app.Store.SessionSummary(ctx, date)
	if err != nil {
		return fmt.Errorf("loading session summary: %w", err)
	}
	riskState, err := app.Store.RebuildRiskState(ctx, date)
	if err != nil {
		return fmt.Errorf("rebuilding risk state: %w", err)
	}
	signals, err := app.Store.GetSignals(ctx, store.SignalFilter{SessionDate: date, Limit: limit})
	if err != nil {
		return fmt.Errorf("loading signals: %w", err)
	}
	events, err := app.Store.GetPositionEvents(ctx, store.PositionEventFilter{SessionDate: date, Limit: limit})
	if err != nil {
		return fmt.Errorf("loading position events: %w", err)
	}

	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"summary":         summary,
			"risk":            riskState,
			"signals":         signals,
			"position_events": events,
		})
	}

	output.Bold("Session %s", date)
	output.Printf("  Signals:      %d emitted, %d risk-rejected\n", summary.Signals, summary.Rejections)
	output.Printf("  Trades:       %d entered, %d closed\n", summary.Trades, summary.ClosedTrades)
	if summary.ClosedTrades > 0 {
		winRate := float64(summary.Wins) / float64(summary.ClosedTrades) * 100
		output.Printf("  Wins/Losses:  %d/%d (%.0f%% win rate)\n", summary.Wins, summary.Losses, winRate)
		output.Printf("  Realized:     %s\n", output.PnL(summary.RealizedPnL))
	}
	output.Println()

	output.Bold("Risk state at resume")
	output.Printf("  Trades today:  %d\n", riskState.TradesToday)
	output.Printf("  Session loss:  %s\n", notify.FormatCurrency(riskState.SessionLoss))
	output.Printf("  Still open:    %d\n", riskState.OpenCount)

	if len(signals) > 0 {
		output.Println()
		output.Bold("Recent signals")
		for _, s := range signals {
			output.Printf("  %s  %s %s %-6s entry %s  stop %s  rr %s\n",
				FormatTime(s.CreatedAt), PadRight(s.Symbol, 12), output.Direction(s.Direction),
				s.Quality, notify.FormatCurrency(s.Entry), notify.FormatCurrency(s.StopLoss),
				FormatRiskReward(s.RiskReward()))
		}
	}

	if len(events) > 0 {
		output.Println()
		output.Bold("Recent position events")
		for _, ev := range events {
			line := fmt.Sprintf("  %s  %s %-13s", FormatTime(ev.CreatedAt), PadRight(ev.Symbol, 12), ev.Status)
			switch {
			case ev.Status == models.PositionClosed:
				line += fmt.Sprintf(" %s @ %s  %s", ev.CloseReason,
					notify.FormatCurrency(ev.ExitPrice), output.PnL(ev.RealizedPnL))
			case ev.Detail != "":
				line += "  " + TruncateString(ev.Detail, 40)
			}
			output.Println(line)
		}
	}

	if summary.Signals == 0 && len(events) == 0 {
		output.Println()
		output.Dim("No activity recorded for %s", date)
	}
	return nil
}
