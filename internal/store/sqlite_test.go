package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storedSignal(id, symbol string) *models.Signal {
	return &models.Signal{
		ID:        id,
		Symbol:    symbol,
		Exchange:  models.NSE,
		Direction: models.OrderSideBuy,
		Strength:  0.75,
		Quality:   models.QualityStrong,
		Entry:     100.5,
		StopLoss:  100.2,
		Target:    101.2,
		Conditions: []models.Condition{
			{Name: "trend", Mandatory: true, Passed: true, Observed: 0.01},
			{Name: "extremum", Mandatory: true, Passed: true, Observed: 27.4, Threshold: 30},
			{Name: "volume", Mandatory: false, Passed: false, Observed: 0.9, Threshold: 1.2},
		},
		Reason:    "uptrend pullback",
		CandleTS:  time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		Revision:  7,
		CreatedAt: time.Date(2024, 6, 3, 10, 0, 3, 0, time.UTC),
	}
}

func TestSignalRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSignal(ctx, "2024-06-03", storedSignal("sig-1", "RELIANCE")))

	signals, err := store.GetSignals(ctx, SignalFilter{SessionDate: "2024-06-03"})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	got := signals[0]
	assert.Equal(t, "sig-1", got.ID)
	assert.Equal(t, "RELIANCE", got.Symbol)
	assert.Equal(t, models.NSE, got.Exchange)
	assert.Equal(t, models.OrderSideBuy, got.Direction)
	assert.Equal(t, 0.75, got.Strength)
	assert.Equal(t, models.QualityStrong, got.Quality)
	assert.Equal(t, 100.5, got.Entry)
	assert.Equal(t, uint64(7), got.Revision)
	assert.True(t, got.CandleTS.Equal(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)))

	require.Len(t, got.Conditions, 3)
	assert.Equal(t, "extremum", got.Conditions[1].Name)
	assert.True(t, got.Conditions[1].Mandatory)
	assert.Equal(t, 30.0, got.Conditions[1].Threshold)
	assert.False(t, got.Conditions[2].Passed)
}

func TestGetSignalsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := storedSignal("sig-1", "RELIANCE")
	second := storedSignal("sig-2", "TCS")
	second.Quality = models.QualityPrime
	require.NoError(t, store.SaveSignal(ctx, "2024-06-03", first))
	require.NoError(t, store.SaveSignal(ctx, "2024-06-03", second))
	require.NoError(t, store.SaveSignal(ctx, "2024-06-04", storedSignal("sig-3", "RELIANCE")))

	bySession, err := store.GetSignals(ctx, SignalFilter{SessionDate: "2024-06-03"})
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	bySymbol, err := store.GetSignals(ctx, SignalFilter{SessionDate: "2024-06-03", Symbol: "TCS"})
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	assert.Equal(t, "sig-2", bySymbol[0].ID)

	byQuality, err := store.GetSignals(ctx, SignalFilter{Quality: models.QualityPrime})
	require.NoError(t, err)
	require.Len(t, byQuality, 1)
	assert.Equal(t, "sig-2", byQuality[0].ID)

	limited, err := store.GetSignals(ctx, SignalFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGetSignalsEmptyResult(t *testing.T) {
	store := newTestStore(t)

	signals, err := store.GetSignals(context.Background(), SignalFilter{SessionDate: "2024-01-01"})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestSaveRiskRejection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	signal := storedSignal("sig-1", "RELIANCE")
	reject := apperrors.NewRiskError("max_open_positions", 5, 5, "open positions and reservations at limit")
	require.NoError(t, store.SaveRiskRejection(ctx, "2024-06-03", signal, reject))

	summary, err := store.SessionSummary(ctx, "2024-06-03")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rejections)
}

func positionFixture(id string, status models.PositionStatus) *models.Position {
	return &models.Position{
		ID:           id,
		SignalID:     "sig-" + id,
		Symbol:       "RELIANCE",
		Exchange:     models.NSE,
		Direction:    models.OrderSideBuy,
		Quantity:     100,
		Entry:        100.5,
		StopLoss:     100.2,
		Target:       101.2,
		Status:       status,
		EntryOrderID: "ord-entry",
	}
}

func TestPositionLifecycleEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	statuses := []models.PositionStatus{
		models.PositionPendingEntry,
		models.PositionOpen,
		models.PositionClosing,
		models.PositionClosed,
	}
	for _, status := range statuses {
		position := positionFixture("pos-1", status)
		if status == models.PositionClosed {
			position.ExitPrice = 101.2
			position.RealizedPnL = 70
			position.CloseReason = models.CloseTarget
		}
		require.NoError(t, store.SavePositionEvent(ctx, "2024-06-03", position, string(status)))
	}

	events, err := store.GetPositionEvents(ctx, PositionEventFilter{PositionID: "pos-1"})
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i, status := range statuses {
		assert.Equal(t, status, events[i].Status)
	}
	assert.Equal(t, models.CloseTarget, events[3].CloseReason)
	assert.Equal(t, 70.0, events[3].RealizedPnL)
	assert.Equal(t, "ord-entry", events[3].EntryOrderID)
}

func TestRebuildRiskState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two trades committed today; one closed at a loss, one still open.
	for _, id := range []string{"pos-1", "pos-2"} {
		require.NoError(t, store.SavePositionEvent(ctx, "2024-06-03", positionFixture(id, models.PositionPendingEntry), "entry placed"))
		require.NoError(t, store.SavePositionEvent(ctx, "2024-06-03", positionFixture(id, models.PositionOpen), "entry filled"))
	}
	closed := positionFixture("pos-1", models.PositionClosed)
	closed.ExitPrice = 100.0
	closed.RealizedPnL = -500
	closed.CloseReason = models.CloseStop
	require.NoError(t, store.SavePositionEvent(ctx, "2024-06-03", closed, "stop hit"))

	// A different session must not leak in.
	require.NoError(t, store.SavePositionEvent(ctx, "2024-06-02", positionFixture("pos-9", models.PositionOpen), "entry filled"))

	history, err := store.RebuildRiskState(ctx, "2024-06-03")
	require.NoError(t, err)

	assert.Equal(t, 2, history.TradesToday)
	assert.InDelta(t, 500, history.SessionLoss, 1e-9)
	assert.Equal(t, 1, history.OpenCount)
}

func TestRebuildRiskStateEmptySession(t *testing.T) {
	store := newTestStore(t)

	history, err := store.RebuildRiskState(context.Background(), "2024-01-01")
	require.NoError(t, err)
	assert.Zero(t, history.TradesToday)
	assert.Zero(t, history.SessionLoss)
	assert.Zero(t, history.OpenCount)
}

func TestSessionSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSignal(ctx, "2024-06-03", storedSignal("sig-1", "RELIANCE")))
	require.NoError(t, store.SaveSignal(ctx, "2024-06-03", storedSignal("sig-2", "TCS")))

	outcomes := []struct {
		id  string
		pnl float64
	}{
		{"pos-1", 700},
		{"pos-2", -300},
		{"pos-3", 150},
	}
	for _, o := range outcomes {
		require.NoError(t, store.SavePositionEvent(ctx, "2024-06-03", positionFixture(o.id, models.PositionOpen), "entry filled"))
		closed := positionFixture(o.id, models.PositionClosed)
		closed.RealizedPnL = o.pnl
		require.NoError(t, store.SavePositionEvent(ctx, "2024-06-03", closed, "closed"))
	}

	summary, err := store.SessionSummary(ctx, "2024-06-03")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Signals)
	assert.Equal(t, 3, summary.Trades)
	assert.Equal(t, 3, summary.ClosedTrades)
	assert.Equal(t, 2, summary.Wins)
	assert.Equal(t, 1, summary.Losses)
	assert.InDelta(t, 550, summary.RealizedPnL, 1e-9)
}
