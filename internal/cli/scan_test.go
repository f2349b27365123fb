package cli

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerodha-scanner/internal/models"
	"zerodha-scanner/internal/store"
)

type stubTicker struct{}

func (t *stubTicker) Connect(ctx context.Context) error { return nil }
func (t *stubTicker) Disconnect() error                 { return nil }
func (t *stubTicker) Subscribe(tokens []uint32) error   { return nil }
func (t *stubTicker) Unsubscribe(tokens []uint32) error { return nil }

func (t *stubTicker) RegisterInstruments(instruments []models.Instrument) {}

func (t *stubTicker) OnTick(handler func(models.Tick)) {}

func (t *stubTicker) OnStateChange(handler func(state models.FeedState, detail string)) {}

func (t *stubTicker) OnError(handler func(error)) {}

func (t *stubTicker) IsConnected() bool { return false }

func scanApp(t *testing.T, bk *stubBroker) *App {
	t.Helper()
	cfg := testConfig(t)

	auditStore, err := store.NewSQLiteStore(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	return &App{Config: cfg, Logger: zerolog.Nop(), Broker: bk, Ticker: &stubTicker{}, Store: auditStore}
}

func TestScanRequiresCredentials(t *testing.T) {
	app := &App{Config: testConfig(t), Logger: zerolog.Nop()}

	_, err := executeTestRoot(t, app, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials not configured")
}

func TestScanRequiresStore(t *testing.T) {
	app := &App{Config: testConfig(t), Logger: zerolog.Nop(), Broker: &stubBroker{}, Ticker: &stubTicker{}}

	_, err := executeTestRoot(t, app, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit store unavailable")
}

func TestScanRejectsInvalidConfig(t *testing.T) {
	app := scanApp(t, &stubBroker{instruments: nseDump()})
	app.Config.Scanner.Interval = time.Second

	_, err := executeTestRoot(t, app, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanner.interval")
}

func TestScanRequiresSymbols(t *testing.T) {
	app := scanApp(t, &stubBroker{instruments: nseDump()})
	app.Config.Scanner.Symbols = nil

	_, err := executeTestRoot(t, app, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no symbols configured")
}

func TestScanFailsWhenNothingResolves(t *testing.T) {
	// Dump without the configured symbols: everything lands in the
	// unknown list and the scan refuses to start empty.
	app := scanApp(t, &stubBroker{instruments: []models.Instrument{}})

	out, err := executeTestRoot(t, app, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the configured symbols resolve")
	assert.Contains(t, out, "Unknown symbols skipped: RELIANCE, TCS")
}

func TestScanSymbolOverrideStillValidated(t *testing.T) {
	app := scanApp(t, &stubBroker{instruments: nseDump()})

	_, err := executeTestRoot(t, app, "scan", "--symbols", "NOSUCH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the configured symbols resolve")
}
