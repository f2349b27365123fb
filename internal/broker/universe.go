// Package broker provides broker integration implementations.
package broker

import (
	"context"
	"fmt"
	"sync"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

// Universe resolves the configured symbol list against the broker's
// instrument dump. One load per exchange per session is enough: tokens,
// lot sizes and tick sizes do not change intraday.
type Universe struct {
	broker      Broker
	instruments map[string]models.Instrument // key: exchange:symbol
	loaded      map[models.Exchange]bool
	mu          sync.RWMutex
}

// NewUniverse creates a new instrument universe backed by a broker.
func NewUniverse(broker Broker) *Universe {
	return &Universe{
		broker:      broker,
		instruments: make(map[string]models.Instrument),
		loaded:      make(map[models.Exchange]bool),
	}
}

// Load fetches and caches the instrument dump for an exchange.
func (u *Universe) Load(ctx context.Context, exchange models.Exchange) error {
	u.mu.RLock()
	done := u.loaded[exchange]
	u.mu.RUnlock()
	if done {
		return nil
	}

	instruments, err := u.broker.GetInstruments(ctx, exchange)
	if err != nil {
		return fmt.Errorf("failed to load instruments for %s: %w", exchange, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for _, inst := range instruments {
		key := fmt.Sprintf("%s:%s", inst.Exchange, inst.Symbol)
		u.instruments[key] = inst
	}
	u.loaded[exchange] = true

	return nil
}

// Resolve maps configured symbols to instruments. Unknown symbols are
// returned separately so the caller can log and drop them rather than
// abort the scan.
func (u *Universe) Resolve(ctx context.Context, exchange models.Exchange, symbols []string) ([]models.Instrument, []string, error) {
	if err := u.Load(ctx, exchange); err != nil {
		return nil, nil, err
	}

	u.mu.RLock()
	defer u.mu.RUnlock()

	resolved := make([]models.Instrument, 0, len(symbols))
	var unknown []string
	for _, symbol := range symbols {
		key := fmt.Sprintf("%s:%s", exchange, symbol)
		inst, ok := u.instruments[key]
		if !ok {
			unknown = append(unknown, symbol)
			continue
		}
		resolved = append(resolved, inst)
	}

	return resolved, unknown, nil
}

// Get returns the cached instrument for a symbol.
func (u *Universe) Get(exchange models.Exchange, symbol string) (*models.Instrument, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	key := fmt.Sprintf("%s:%s", exchange, symbol)
	inst, ok := u.instruments[key]
	if !ok {
		return nil, fmt.Errorf("instrument not found for %s: %w", key, apperrors.ErrSymbolNotFound)
	}
	return &inst, nil
}

// ValidateOrder checks an order against the instrument's lot and tick
// constraints before it goes to the broker.
func (u *Universe) ValidateOrder(order *models.Order) error {
	inst, err := u.Get(order.Exchange, order.Symbol)
	if err != nil {
		return err
	}

	if inst.LotSize > 1 && order.Quantity%inst.LotSize != 0 {
		return fmt.Errorf("quantity must be a multiple of lot size %d for %s", inst.LotSize, order.Symbol)
	}

	if order.Price > 0 && inst.TickSize > 0 {
		remainder := order.Price - float64(int(order.Price/inst.TickSize))*inst.TickSize
		if remainder > 0.0001 {
			return fmt.Errorf("price must be a multiple of tick size %.4f for %s", inst.TickSize, order.Symbol)
		}
	}

	return nil
}
