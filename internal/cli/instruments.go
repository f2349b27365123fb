package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"zerodha-scanner/internal/broker"
	"zerodha-scanner/internal/models"
)

func newInstrumentsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "Resolve configured symbols against the instrument dump",
		Long: `Instruments fetches the broker's instrument dump for the configured
exchange and resolves each symbol to its token, lot size and tick size.
Symbols that do not resolve are listed so the config can be fixed before
a scan silently drops them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstruments(cmd, app)
		},
	}
	cmd.Flags().StringSlice("symbols", nil, "symbols to resolve (default: scanner.symbols)")
	return cmd
}

func runInstruments(cmd *cobra.Command, app *App) error {
	output := NewOutput(cmd)
	cfg := app.Config

	if app.Broker == nil {
		return fmt.Errorf("zerodha credentials not configured: run 'scanner config init' and fill in credentials.toml")
	}

	symbols := cfg.Scanner.Symbols
	if override, _ := cmd.Flags().GetStringSlice("symbols"); len(override) > 0 {
		symbols = override
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols configured: set scanner.symbols or pass --symbols")
	}

	exchange := models.Exchange(cfg.Trading.Exchange)
	universe := broker.NewUniverse(app.Broker)
	resolved, unknown, err := universe.Resolve(cmd.Context(), exchange, symbols)
	if err != nil {
		return fmt.Errorf("resolving universe: %w", err)
	}

	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"exchange": string(exchange),
			"resolved": resolved,
			"unknown":  unknown,
		})
	}

	output.Bold("%-12s %-10s %-28s %5s %8s", "SYMBOL", "TOKEN", "NAME", "LOT", "TICK")
	for _, inst := range resolved {
		output.Printf("%-12s %-10d %-28s %5d %8.2f\n",
			inst.Symbol, inst.Token, TruncateString(inst.Name, 28), inst.LotSize, inst.TickSize)
	}
	for _, symbol := range unknown {
		output.Warning("⚠ %s not found on %s", symbol, exchange)
	}
	output.Println()
	output.Success("✓ Resolved %d of %d symbols", len(resolved), len(symbols))
	return nil
}
