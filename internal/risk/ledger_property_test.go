package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"zerodha-scanner/internal/config"
)

func TestLedgerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("sized risk at the stop never exceeds the per-trade budget", prop.ForAll(
		func(capital, entry, stopDistance float64, lotSize int) bool {
			cfg := config.RiskConfig{
				Capital:          capital,
				RiskPerTrade:     0.02,
				MaxOpenPositions: 5,
				MaxTradesPerDay:  100,
				MaxDailyLoss:     0.5,
			}
			ledger := NewLedger(cfg)

			signal := testSignal("RELIANCE", entry, entry-stopDistance)
			res, err := ledger.Reserve(signal, nseInstrument("RELIANCE", lotSize))
			if err != nil {
				// Only the zero-quantity rule can fire here.
				return true
			}

			budget := capital * cfg.RiskPerTrade
			riskAtStop := float64(res.Quantity) * signal.StopDistance()
			return riskAtStop <= budget && res.Quantity > 0 && res.Quantity%lotSize == 0
		},
		gen.Float64Range(10_000, 10_000_000),
		gen.Float64Range(50, 5000),
		gen.Float64Range(0.05, 50),
		gen.IntRange(1, 500),
	))

	properties.Property("reservations plus positions never exceed the open limit", prop.ForAll(
		func(maxOpen, attempts int) bool {
			cfg := config.RiskConfig{
				Capital:          1_000_000,
				RiskPerTrade:     0.02,
				MaxOpenPositions: maxOpen,
				MaxTradesPerDay:  1000,
				MaxDailyLoss:     0.5,
			}
			ledger := NewLedger(cfg)

			granted := 0
			for i := 0; i < attempts; i++ {
				symbol := fmt.Sprintf("SYM%d", i)
				_, err := ledger.Reserve(testSignal(symbol, 100, 99.7), nseInstrument(symbol, 1))
				if err == nil {
					granted++
				}
			}

			want := attempts
			if maxOpen < want {
				want = maxOpen
			}
			state := ledger.Snapshot()
			return granted == want && state.ActiveReservations+state.OpenPositions <= maxOpen
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 20),
	))

	properties.Property("every reservation ends in exactly one of commit or release", prop.ForAll(
		func(commitMask []bool) bool {
			cfg := config.RiskConfig{
				Capital:          1_000_000,
				RiskPerTrade:     0.02,
				MaxOpenPositions: len(commitMask) + 1,
				MaxTradesPerDay:  1000,
				MaxDailyLoss:     0.5,
			}
			ledger := NewLedger(cfg)

			committed := 0
			for i, commit := range commitMask {
				symbol := fmt.Sprintf("SYM%d", i)
				res, err := ledger.Reserve(testSignal(symbol, 100, 99.7), nseInstrument(symbol, 1))
				if err != nil {
					return false
				}
				if commit {
					if err := ledger.Commit(res.ID, openPosition(res, 100)); err != nil {
						return false
					}
					committed++
					// The second settlement must fail.
					if ledger.Release(res.ID) == nil {
						return false
					}
				} else {
					if err := ledger.Release(res.ID); err != nil {
						return false
					}
					if ledger.Commit(res.ID, openPosition(res, 100)) == nil {
						return false
					}
				}
			}

			state := ledger.Snapshot()
			return state.ActiveReservations == 0 &&
				state.OpenPositions == committed &&
				state.TradesToday == committed
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
