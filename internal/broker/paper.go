// Package broker provides broker integration implementations.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zerodha-scanner/internal/models"
)

// PaperBroker implements the Broker interface for paper trading. Market
// orders fill immediately at the last observed price; limit and
// stop-trigger orders rest until an observed tick touches them. Market
// data calls delegate to a real broker when one is configured, so paper
// runs scan live prices with simulated fills.
//
// The paper broker simulates the order lifecycle only. Position and
// risk state live with their owners regardless of trading mode.
type PaperBroker struct {
	// Real broker for market data
	dataBroker Broker

	orders       map[string]*models.Order
	orderCounter int

	// Last observed price per symbol
	priceCache map[string]float64

	mu sync.RWMutex
}

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	DataBroker Broker
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	return &PaperBroker{
		dataBroker: cfg.DataBroker,
		orders:     make(map[string]*models.Order),
		priceCache: make(map[string]float64),
	}
}

// GetQuote fetches a real-time quote from the data broker.
func (p *PaperBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error) {
	if p.dataBroker == nil {
		return nil, fmt.Errorf("no data broker configured")
	}

	quote, err := p.dataBroker.GetQuote(ctx, exchange, symbol)
	if err == nil {
		p.mu.Lock()
		p.priceCache[symbol] = quote.LTP
		p.mu.Unlock()
	}
	return quote, err
}

// GetHistorical fetches historical candles from the data broker.
func (p *PaperBroker) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	if p.dataBroker == nil {
		return nil, fmt.Errorf("no data broker configured")
	}
	return p.dataBroker.GetHistorical(ctx, req)
}

// GetInstruments fetches instruments from the data broker.
func (p *PaperBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if p.dataBroker == nil {
		return nil, fmt.Errorf("no data broker configured")
	}
	return p.dataBroker.GetInstruments(ctx, exchange)
}

// PlaceOrder simulates order placement. Market orders require a known
// price and fill at it; limit and trigger orders rest until ProcessTick
// touches them.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)

	price := p.priceCache[order.Symbol]

	newOrder := &models.Order{
		ID:           orderID,
		Symbol:       order.Symbol,
		Exchange:     order.Exchange,
		Side:         order.Side,
		Type:         order.Type,
		Product:      order.Product,
		Quantity:     order.Quantity,
		Price:        order.Price,
		TriggerPrice: order.TriggerPrice,
		Validity:     order.Validity,
		Tag:          order.Tag,
		Status:       models.OrderPending,
		PlacedAt:     time.Now(),
	}

	switch order.Type {
	case models.OrderTypeMarket:
		if price <= 0 {
			return nil, fmt.Errorf("no market price for %s", order.Symbol)
		}
		fill(newOrder, price)

	case models.OrderTypeLimit:
		// Fill immediately if the book is already through the limit.
		if price > 0 && limitTouched(newOrder, price) {
			fill(newOrder, newOrder.Price)
		}

	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		if price > 0 && triggerTouched(newOrder, price) {
			fill(newOrder, newOrder.TriggerPrice)
		}
	}

	p.orders[orderID] = newOrder

	return &OrderResult{
		OrderID: orderID,
		Status:  string(newOrder.Status),
		Message: "paper order placed",
	}, nil
}

// OrderStatus returns the current state of a paper order.
func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}

	copied := *order
	return &copied, nil
}

// CancelOrder cancels a resting paper order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}

	if order.Status.Terminal() {
		return fmt.Errorf("cannot cancel order with status: %s", order.Status)
	}

	order.Status = models.OrderCancelled
	return nil
}

// ProcessTick updates the observed price and fills any resting orders
// the tick touches.
func (p *PaperBroker) ProcessTick(tick models.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.priceCache[tick.Symbol] = tick.LTP

	for _, order := range p.orders {
		if order.Symbol != tick.Symbol || order.Status != models.OrderPending {
			continue
		}

		switch order.Type {
		case models.OrderTypeLimit:
			if limitTouched(order, tick.LTP) {
				fill(order, order.Price)
			}
		case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
			if triggerTouched(order, tick.LTP) {
				fill(order, order.TriggerPrice)
			}
		}
	}
}

// UpdatePrice seeds the observed price for a symbol.
func (p *PaperBroker) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
}

// Orders returns a snapshot of all paper orders.
func (p *PaperBroker) Orders() []models.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		orders = append(orders, *o)
	}
	return orders
}

func fill(order *models.Order, price float64) {
	order.Status = models.OrderFilled
	order.FilledQty = order.Quantity
	order.AveragePrice = price
}

// limitTouched reports whether the observed price satisfies a resting
// limit order: at or below the limit for buys, at or above for sells.
func limitTouched(order *models.Order, price float64) bool {
	if order.Side == models.OrderSideBuy {
		return price <= order.Price
	}
	return price >= order.Price
}

// triggerTouched reports whether the observed price fires a stop
// trigger: at or above for buy stops, at or below for sell stops.
func triggerTouched(order *models.Order, price float64) bool {
	if order.Side == models.OrderSideBuy {
		return price >= order.TriggerPrice
	}
	return price <= order.TriggerPrice
}

// Ensure PaperBroker implements Broker interface
var _ Broker = (*PaperBroker)(nil)
