// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"zerodha-scanner/internal/models"
)

// Broker defines the interface for broker operations. The scanner places
// market entries and bracket legs through it, polls order state while
// waiting for acknowledgements, and uses the historical endpoint both for
// warm-up backfill and as the poll fallback when the feed is down.
type Broker interface {
	// Market Data
	GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error)
	GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)
	GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)

	// Orders
	PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error)
	OrderStatus(ctx context.Context, orderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Ticker defines the interface for real-time market data streaming.
// Subscriptions are by instrument token; reconnection and resubscription
// are the implementation's responsibility. Missed ticks are not replayed.
type Ticker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	RegisterInstruments(instruments []models.Instrument)
	OnTick(handler func(models.Tick))
	OnStateChange(handler func(state models.FeedState, detail string))
	OnError(handler func(error))
	IsConnected() bool
}

// HistoricalRequest represents a request for historical candles.
type HistoricalRequest struct {
	Symbol   string
	Exchange models.Exchange
	Interval time.Duration
	From     time.Time
	To       time.Time
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}
