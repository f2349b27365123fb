// Package broker provides broker integration implementations.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"zerodha-scanner/internal/models"
	"zerodha-scanner/pkg/utils"
)

// ZerodhaTicker implements the Ticker interface for Zerodha WebSocket
// streaming. It owns the feed state machine: DISCONNECTED, CONNECTING,
// SUBSCRIBED once the token set is registered on the socket, STREAMING
// once ticks actually flow. Reconnects resubscribe the full token set;
// ticks missed while down are not replayed.
type ZerodhaTicker struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string

	// Handlers
	onTick  func(models.Tick)
	onState func(models.FeedState, string)
	onError func(error)

	// State
	connected    bool
	state        models.FeedState
	subscribed   map[uint32]struct{}
	tokenSymbols map[uint32]string

	// Reconnection
	reconnecting bool
	maxRetries   int
	baseDelay    time.Duration

	mu      sync.RWMutex
	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)
}

// ZerodhaTickerConfig holds configuration for the ticker.
type ZerodhaTickerConfig struct {
	APIKey      string
	AccessToken string
	MaxRetries  int
	BaseDelay   time.Duration
}

// NewZerodhaTicker creates a new Zerodha ticker instance.
func NewZerodhaTicker(cfg ZerodhaTickerConfig) *ZerodhaTicker {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}

	return &ZerodhaTicker{
		apiKey:       cfg.APIKey,
		accessToken:  cfg.AccessToken,
		state:        models.FeedDisconnected,
		subscribed:   make(map[uint32]struct{}),
		tokenSymbols: make(map[uint32]string),
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
	}
}

// Connect establishes the WebSocket connection with Kite Connect.
func (t *ZerodhaTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	// Create ticker instance
	t.ticker = kiteticker.New(t.apiKey, t.accessToken)

	// Channel to signal connection
	connectedCh := make(chan struct{})

	// Set up callbacks
	t.ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.reconnecting = false
		hasSubscriptions := len(t.subscribed) > 0
		t.mu.Unlock()

		// Signal connection
		select {
		case connectedCh <- struct{}{}:
		default:
		}

		// A non-empty token set means this is a reconnect: restore the
		// subscriptions before anyone sees the socket as usable. On the
		// first connection the caller subscribes explicitly.
		if hasSubscriptions {
			t.resubscribe()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()

		t.setState(models.FeedDisconnected, fmt.Sprintf("closed (%d): %s", code, reason))

		// Attempt reconnection
		go t.reconnect(ctx)
	})

	t.ticker.OnError(func(err error) {
		t.mu.RLock()
		handler := t.onError
		t.mu.RUnlock()
		if handler != nil {
			go handler(err)
		}
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		// First tick after a subscribe promotes the feed to streaming.
		t.mu.RLock()
		state := t.state
		handler := t.onTick
		t.mu.RUnlock()

		if state == models.FeedSubscribed {
			t.setState(models.FeedStreaming, "ticks flowing")
		}

		if handler != nil {
			handler(t.convertTick(tick))
		}
	})

	t.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		t.mu.Lock()
		t.reconnecting = true
		t.mu.Unlock()
		t.setState(models.FeedConnecting, fmt.Sprintf("reconnect attempt %d", attempt))
	})

	t.mu.Unlock() // Release lock before starting connection

	t.setState(models.FeedConnecting, "connecting")

	// Start connection in goroutine
	go t.ticker.Serve()

	// Wait for connection or timeout
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		t.mu.RLock()
		connected := t.connected
		t.mu.RUnlock()
		if !connected {
			return fmt.Errorf("connection timeout")
		}
		return nil
	}
}

// Disconnect closes the WebSocket connection.
func (t *ZerodhaTicker) Disconnect() error {
	t.mu.Lock()
	if t.ticker != nil {
		t.ticker.Close()
		t.connected = false
	}
	t.mu.Unlock()

	t.setState(models.FeedDisconnected, "disconnected")
	return nil
}

// Subscribe subscribes to instrument tokens in full mode. Full mode
// carries market depth and exchange timestamps, both of which the tick
// pipeline reads.
func (t *ZerodhaTicker) Subscribe(tokens []uint32) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	for _, token := range tokens {
		t.subscribed[token] = struct{}{}
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	// Lock for websocket writes
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if err := t.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}

	t.setState(models.FeedSubscribed, fmt.Sprintf("%d instruments", len(tokens)))

	return nil
}

// Unsubscribe unsubscribes from instrument tokens.
func (t *ZerodhaTicker) Unsubscribe(tokens []uint32) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	for _, token := range tokens {
		delete(t.subscribed, token)
	}
	t.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	// Lock for websocket writes
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Unsubscribe(tokens); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	return nil
}

// RegisterInstruments registers instruments for token-to-symbol mapping
// on incoming ticks.
func (t *ZerodhaTicker) RegisterInstruments(instruments []models.Instrument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, inst := range instruments {
		t.tokenSymbols[inst.Token] = inst.Symbol
	}
}

// OnTick sets the tick handler.
func (t *ZerodhaTicker) OnTick(handler func(models.Tick)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTick = handler
}

// OnStateChange sets the feed state transition handler.
func (t *ZerodhaTicker) OnStateChange(handler func(models.FeedState, string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = handler
}

// OnError sets the error handler.
func (t *ZerodhaTicker) OnError(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

// IsConnected returns whether the ticker is connected.
func (t *ZerodhaTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// setState records a feed state transition and notifies the handler.
// Repeated transitions to the same state are suppressed.
func (t *ZerodhaTicker) setState(state models.FeedState, detail string) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	handler := t.onState
	t.mu.Unlock()

	if handler != nil {
		go handler(state, detail)
	}
}

// convertTick converts a Kite ticker tick to our model.
func (t *ZerodhaTicker) convertTick(tick kitemodels.Tick) models.Tick {
	t.mu.RLock()
	symbol := t.tokenSymbols[tick.InstrumentToken]
	t.mu.RUnlock()

	return models.Tick{
		Token:        tick.InstrumentToken,
		Symbol:       symbol,
		LTP:          tick.LastPrice,
		Quantity:     int64(tick.LastTradedQuantity),
		Volume:       int64(tick.VolumeTraded),
		Open:         tick.OHLC.Open,
		High:         tick.OHLC.High,
		Low:          tick.OHLC.Low,
		Close:        tick.OHLC.Close,
		BuyQuantity:  int64(tick.TotalBuyQuantity),
		SellQuantity: int64(tick.TotalSellQuantity),
		BidPrice:     getBestBid(tick),
		AskPrice:     getBestAsk(tick),
		Timestamp:    tick.Timestamp.Time,
	}
}

func getBestBid(tick kitemodels.Tick) float64 {
	if len(tick.Depth.Buy) > 0 {
		return tick.Depth.Buy[0].Price
	}
	return 0
}

func getBestAsk(tick kitemodels.Tick) float64 {
	if len(tick.Depth.Sell) > 0 {
		return tick.Depth.Sell[0].Price
	}
	return 0
}

// reconnect attempts to reconnect with exponential backoff.
func (t *ZerodhaTicker) reconnect(ctx context.Context) {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	for attempt := 0; attempt < t.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		time.Sleep(utils.CalculateBackoff(attempt, t.baseDelay, 30*time.Second, 2.0))

		t.mu.Lock()
		if t.connected {
			t.reconnecting = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		// Recreate ticker and connect
		if err := t.Connect(ctx); err == nil {
			return
		}
	}

	t.mu.Lock()
	t.reconnecting = false
	handler := t.onError
	t.mu.Unlock()

	if handler != nil {
		handler(fmt.Errorf("max reconnection attempts reached"))
	}
}

// resubscribe restores the full token set after a reconnect.
func (t *ZerodhaTicker) resubscribe() {
	t.mu.RLock()
	tokens := make([]uint32, 0, len(t.subscribed))
	for token := range t.subscribed {
		tokens = append(tokens, token)
	}
	t.mu.RUnlock()

	if len(tokens) == 0 {
		return
	}

	// Lock for websocket writes
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ticker.Subscribe(tokens); err != nil {
		return
	}
	if err := t.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return
	}

	t.setState(models.FeedSubscribed, fmt.Sprintf("resubscribed %d instruments", len(tokens)))
}

// Ensure ZerodhaTicker implements Ticker interface
var _ Ticker = (*ZerodhaTicker)(nil)
