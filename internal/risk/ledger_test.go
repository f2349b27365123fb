package risk

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-scanner/internal/config"
	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		Capital:          1_000_000,
		RiskPerTrade:     0.02,
		MaxOpenPositions: 2,
		MaxTradesPerDay:  3,
		MaxDailyLoss:     0.03,
	}
}

func testSignal(symbol string, entry, stop float64) *models.Signal {
	return &models.Signal{
		ID:        "sig-" + symbol,
		Symbol:    symbol,
		Exchange:  models.NSE,
		Direction: models.OrderSideBuy,
		Entry:     entry,
		StopLoss:  stop,
		Target:    entry + 2*(entry-stop),
	}
}

func nseInstrument(symbol string, lotSize int) models.Instrument {
	return models.Instrument{
		Symbol:   symbol,
		Exchange: models.NSE,
		LotSize:  lotSize,
		TickSize: 0.05,
	}
}

func openPosition(res *models.Reservation, entry float64) *models.Position {
	return &models.Position{
		ID:        "pos-" + res.ID,
		SignalID:  res.SignalID,
		Symbol:    res.Symbol,
		Exchange:  res.Exchange,
		Direction: res.Direction,
		Quantity:  res.Quantity,
		Entry:     entry,
		Status:    models.PositionOpen,
	}
}

func riskRule(t *testing.T, err error) string {
	t.Helper()
	var riskErr *apperrors.RiskError
	require.ErrorAs(t, err, &riskErr)
	return riskErr.Rule
}

func TestReserveSizesQuantity(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	// Budget 20000 over a 0.3 stop distance.
	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)

	assert.Equal(t, 66666, res.Quantity)
	assert.Equal(t, "RELIANCE", res.Symbol)
	assert.Equal(t, "sig-RELIANCE", res.SignalID)
	assert.NotEmpty(t, res.ID)
}

func TestReserveFloorsToLotSize(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	res, err := ledger.Reserve(testSignal("NIFTYFUT", 100, 99.7), nseInstrument("NIFTYFUT", 50))
	require.NoError(t, err)

	assert.Equal(t, 66650, res.Quantity)
	assert.Zero(t, res.Quantity%50)
}

func TestReserveRejectsZeroQuantity(t *testing.T) {
	cases := []struct {
		name   string
		signal *models.Signal
		inst   models.Instrument
	}{
		{
			name:   "stop equals entry",
			signal: testSignal("RELIANCE", 100, 100),
			inst:   nseInstrument("RELIANCE", 1),
		},
		{
			name:   "budget smaller than one lot",
			signal: testSignal("BANKNIFTY", 100, 99.7),
			inst:   nseInstrument("BANKNIFTY", 100_000),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewLedger(testRiskConfig())
			_, err := ledger.Reserve(tc.signal, tc.inst)
			assert.Equal(t, RuleZeroQuantity, riskRule(t, err))
		})
	}
}

func TestReserveRejectsBusyInstrument(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	_, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)

	_, err = ledger.Reserve(testSignal("RELIANCE", 101, 100.7), nseInstrument("RELIANCE", 1))
	assert.Equal(t, RuleInstrumentBusy, riskRule(t, err))
}

func TestReserveRejectsAtMaxOpenPositions(t *testing.T) {
	ledger := NewLedger(testRiskConfig()) // max 2

	_, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)
	_, err = ledger.Reserve(testSignal("TCS", 100, 99.7), nseInstrument("TCS", 1))
	require.NoError(t, err)

	_, err = ledger.Reserve(testSignal("INFY", 100, 99.7), nseInstrument("INFY", 1))
	assert.Equal(t, RuleMaxOpenPositions, riskRule(t, err))
}

func TestCommitMovesReservationToPosition(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(res.ID, openPosition(res, 100.05)))

	state := ledger.Snapshot()
	assert.Equal(t, 1, state.OpenPositions)
	assert.Equal(t, 0, state.ActiveReservations)
	assert.Equal(t, 1, state.TradesToday)

	// The symbol stays busy while the position is open.
	_, err = ledger.Reserve(testSignal("RELIANCE", 101, 100.7), nseInstrument("RELIANCE", 1))
	assert.Equal(t, RuleInstrumentBusy, riskRule(t, err))
}

func TestCommitUnknownReservation(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	err := ledger.Commit("missing", &models.Position{ID: "pos-1", Symbol: "RELIANCE"})
	assert.ErrorIs(t, err, apperrors.ErrReservationNotFound)

	state := ledger.Snapshot()
	assert.Zero(t, state.TradesToday)
	assert.Zero(t, state.OpenPositions)
}

func TestCommitRejectsSymbolMismatch(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)

	position := openPosition(res, 100.05)
	position.Symbol = "TCS"
	assert.Error(t, ledger.Commit(res.ID, position))

	// The reservation stays pending and the counter is untouched.
	state := ledger.Snapshot()
	assert.Equal(t, 1, state.ActiveReservations)
	assert.Zero(t, state.TradesToday)
}

func TestReleaseReturnsHeadroom(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)
	require.NoError(t, ledger.Release(res.ID))

	state := ledger.Snapshot()
	assert.Zero(t, state.ActiveReservations)
	assert.Zero(t, state.TradesToday, "released entries never consume the daily budget")

	// The instrument frees up immediately.
	_, err = ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	assert.NoError(t, err)
}

func TestReleaseTwiceErrs(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)
	require.NoError(t, ledger.Release(res.ID))

	assert.ErrorIs(t, ledger.Release(res.ID), apperrors.ErrReservationNotFound)
}

func TestTradesPerDayLimit(t *testing.T) {
	ledger := NewLedger(testRiskConfig()) // max 3 trades

	for i := 0; i < 3; i++ {
		symbol := fmt.Sprintf("SYM%d", i)
		res, err := ledger.Reserve(testSignal(symbol, 100, 99.7), nseInstrument(symbol, 1))
		require.NoError(t, err)
		require.NoError(t, ledger.Commit(res.ID, openPosition(res, 100)))
		_, err = ledger.Close("pos-"+res.ID, 100.2)
		require.NoError(t, err)
	}

	_, err := ledger.Reserve(testSignal("SYM9", 100, 99.7), nseInstrument("SYM9", 1))
	assert.Equal(t, RuleMaxTradesPerDay, riskRule(t, err))
}

func TestCloseComputesRealizedPnL(t *testing.T) {
	ledger := NewLedger(testRiskConfig())

	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(res.ID, openPosition(res, 100)))

	pnl, err := ledger.Close("pos-"+res.ID, 100.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*float64(res.Quantity), pnl, 1e-6)

	state := ledger.Snapshot()
	assert.Zero(t, state.OpenPositions)
	assert.Zero(t, state.SessionLoss, "profits never touch the loss total")
}

func TestCloseUnknownPosition(t *testing.T) {
	ledger := NewLedger(testRiskConfig())
	_, err := ledger.Close("missing", 100)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestDailyLossLimitBlocksNewTrades(t *testing.T) {
	ledger := NewLedger(testRiskConfig()) // loss limit 30000

	res, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(res.ID, openPosition(res, 100)))

	// 66666 shares losing 0.5 each: 33333 > 30000 limit.
	pnl, err := ledger.Close("pos-"+res.ID, 99.5)
	require.NoError(t, err)
	assert.Negative(t, pnl)

	_, err = ledger.Reserve(testSignal("TCS", 100, 99.7), nseInstrument("TCS", 1))
	assert.Equal(t, RuleDailyLossLimit, riskRule(t, err))

	state := ledger.Snapshot()
	assert.InDelta(t, -pnl, state.SessionLoss, 1e-6)
}

func TestSessionLossIsMonotone(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxDailyLoss = 0.5 // keep the gate open for this test
	ledger := NewLedger(cfg)

	runTrade := func(symbol string, exit float64) {
		res, err := ledger.Reserve(testSignal(symbol, 100, 99.7), nseInstrument(symbol, 1))
		require.NoError(t, err)
		require.NoError(t, ledger.Commit(res.ID, openPosition(res, 100)))
		_, err = ledger.Close("pos-"+res.ID, exit)
		require.NoError(t, err)
	}

	runTrade("SYM0", 99.8) // loss 0.2 * qty
	lossAfterFirst := ledger.Snapshot().SessionLoss
	assert.Positive(t, lossAfterFirst)

	runTrade("SYM1", 101) // large profit
	assert.Equal(t, lossAfterFirst, ledger.Snapshot().SessionLoss)

	runTrade("SYM2", 99.9) // another loss accumulates
	assert.Greater(t, ledger.Snapshot().SessionLoss, lossAfterFirst)
}

func TestResetSessionClearsCounters(t *testing.T) {
	ledger := NewLedger(testRiskConfig())
	ledger.Restore("2024-06-03", 2, 15000)

	ledger.ResetSession("2024-06-04")

	state := ledger.Snapshot()
	assert.Equal(t, "2024-06-04", state.SessionDate)
	assert.Zero(t, state.TradesToday)
	assert.Zero(t, state.SessionLoss)
}

func TestResetSessionSameDateIsNoop(t *testing.T) {
	ledger := NewLedger(testRiskConfig())
	ledger.Restore("2024-06-03", 2, 15000)

	ledger.ResetSession("2024-06-03")

	state := ledger.Snapshot()
	assert.Equal(t, 2, state.TradesToday)
	assert.InDelta(t, 15000, state.SessionLoss, 1e-9)
}

func TestRestoreResumesLimits(t *testing.T) {
	ledger := NewLedger(testRiskConfig()) // max 3 trades
	ledger.Restore("2024-06-03", 3, 0)

	_, err := ledger.Reserve(testSignal("RELIANCE", 100, 99.7), nseInstrument("RELIANCE", 1))
	assert.Equal(t, RuleMaxTradesPerDay, riskRule(t, err))
}

func TestConcurrentReservesNeverOversubscribe(t *testing.T) {
	cfg := testRiskConfig()
	cfg.MaxOpenPositions = 3
	cfg.MaxTradesPerDay = 100
	ledger := NewLedger(cfg)

	const attempts = 16
	var wg sync.WaitGroup
	granted := make(chan *models.Reservation, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			symbol := fmt.Sprintf("SYM%d", i)
			res, err := ledger.Reserve(testSignal(symbol, 100, 99.7), nseInstrument(symbol, 1))
			if err == nil {
				granted <- res
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var reservations []*models.Reservation
	for res := range granted {
		reservations = append(reservations, res)
	}

	assert.Len(t, reservations, 3)
	state := ledger.Snapshot()
	assert.Equal(t, 3, state.ActiveReservations)
	assert.Zero(t, state.OpenPositions)

	for _, res := range reservations {
		require.NoError(t, ledger.Release(res.ID))
	}
	assert.Zero(t, ledger.Snapshot().ActiveReservations)
}
