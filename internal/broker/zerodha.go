// Package broker provides broker integration implementations.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "zerodha-scanner/internal/errors"
	"zerodha-scanner/internal/models"
)

// ZerodhaBroker implements the Broker interface for Zerodha Kite Connect.
// The access token is supplied up front (config or environment); there is
// no login flow here.
type ZerodhaBroker struct {
	client      *kiteconnect.Client
	instruments map[string]models.Instrument
	mu          sync.RWMutex
}

// ZerodhaConfig holds configuration for the Zerodha broker.
type ZerodhaConfig struct {
	APIKey      string
	AccessToken string
}

// NewZerodhaBroker creates a new Zerodha broker instance.
func NewZerodhaBroker(cfg ZerodhaConfig) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)

	return &ZerodhaBroker{
		client:      client,
		instruments: make(map[string]models.Instrument),
	}
}

// GetQuote fetches a real-time quote for a symbol.
func (z *ZerodhaBroker) GetQuote(ctx context.Context, exchange models.Exchange, symbol string) (*models.Quote, error) {
	key := fmt.Sprintf("%s:%s", exchange, symbol)

	quotes, err := z.client.GetQuote(key)
	if err != nil {
		return nil, apperrors.NewTransportError("quote", "failed to get quote", err)
	}

	q, ok := quotes[key]
	if !ok {
		return nil, fmt.Errorf("quote not found for %s: %w", key, apperrors.ErrSymbolNotFound)
	}

	return &models.Quote{
		Symbol:        symbol,
		LTP:           q.LastPrice,
		Open:          q.OHLC.Open,
		High:          q.OHLC.High,
		Low:           q.OHLC.Low,
		Close:         q.OHLC.Close,
		Volume:        int64(q.Volume),
		Change:        q.NetChange,
		ChangePercent: percentChange(q.NetChange, q.OHLC.Close),
		Timestamp:     q.LastTradeTime.Time,
	}, nil
}

func percentChange(change, refClose float64) float64 {
	if refClose == 0 {
		return 0
	}
	return (change / refClose) * 100
}

// GetHistorical fetches historical OHLCV candles. The backfill path uses
// it at startup; the poll fallback uses it while the feed is down.
func (z *ZerodhaBroker) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	token, err := z.getInstrumentToken(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, err
	}

	interval := mapIntervalString(req.Interval)

	data, err := z.client.GetHistoricalData(int(token), interval, req.From, req.To, false, false)
	if err != nil {
		return nil, apperrors.NewTransportError("historical", "failed to get historical data", err)
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Symbol: req.Symbol,
			Start:  d.Date.Time,
			Open:   d.Open,
			High:   d.High,
			Low:    d.Low,
			Close:  d.Close,
			Volume: int64(d.Volume),
		}
	}

	return candles, nil
}

// GetInstruments fetches all instruments for an exchange and caches them
// for token resolution.
func (z *ZerodhaBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	instruments, err := z.client.GetInstruments()
	if err != nil {
		return nil, apperrors.NewTransportError("instruments", "failed to get instruments", err)
	}

	var result []models.Instrument
	for _, inst := range instruments {
		if inst.Exchange != string(exchange) {
			continue
		}
		converted := models.Instrument{
			Token:    uint32(inst.InstrumentToken),
			Symbol:   inst.Tradingsymbol,
			Name:     inst.Name,
			Exchange: models.Exchange(inst.Exchange),
			Segment:  inst.Segment,
			LotSize:  int(inst.LotSize),
			TickSize: inst.TickSize,
		}
		result = append(result, converted)

		key := fmt.Sprintf("%s:%s", inst.Exchange, inst.Tradingsymbol)
		z.mu.Lock()
		z.instruments[key] = converted
		z.mu.Unlock()
	}

	return result, nil
}

func (z *ZerodhaBroker) getInstrumentToken(ctx context.Context, symbol string, exchange models.Exchange) (uint32, error) {
	key := fmt.Sprintf("%s:%s", exchange, symbol)

	z.mu.RLock()
	inst, ok := z.instruments[key]
	z.mu.RUnlock()

	if ok {
		return inst.Token, nil
	}

	// Fetch instruments if not cached
	if _, err := z.GetInstruments(ctx, exchange); err != nil {
		return 0, err
	}

	z.mu.RLock()
	inst, ok = z.instruments[key]
	z.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("instrument not found for %s: %w", key, apperrors.ErrSymbolNotFound)
	}

	return inst.Token, nil
}

func mapIntervalString(interval time.Duration) string {
	switch interval {
	case time.Minute:
		return "minute"
	case 3 * time.Minute:
		return "3minute"
	case 5 * time.Minute:
		return "5minute"
	case 10 * time.Minute:
		return "10minute"
	case 15 * time.Minute:
		return "15minute"
	case 30 * time.Minute:
		return "30minute"
	case time.Hour:
		return "60minute"
	default:
		return "day"
	}
}

// PlaceOrder places a new order.
func (z *ZerodhaBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Price:           order.Price,
		TriggerPrice:    order.TriggerPrice,
		Validity:        order.Validity,
		Tag:             order.Tag,
	}

	if params.Validity == "" {
		params.Validity = "DAY"
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	return &OrderResult{
		OrderID: resp.OrderID,
		Status:  "PLACED",
		Message: "order placed",
	}, nil
}

// OrderStatus fetches the current state of an order by ID. Kite Connect
// has no single-order endpoint for the day book, so this lists the day's
// orders and filters.
func (z *ZerodhaBroker) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := z.client.GetOrders()
	if err != nil {
		return nil, apperrors.NewTransportError("orders", "failed to get orders", err)
	}

	for _, o := range orders {
		if o.OrderID == orderID {
			converted := convertOrder(o)
			return &converted, nil
		}
	}

	return nil, fmt.Errorf("order not found: %s", orderID)
}

// CancelOrder cancels an existing order.
func (z *ZerodhaBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := z.client.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	return nil
}

func convertOrder(o kiteconnect.Order) models.Order {
	return models.Order{
		ID:           o.OrderID,
		Symbol:       o.TradingSymbol,
		Exchange:     models.Exchange(o.Exchange),
		Side:         models.OrderSide(o.TransactionType),
		Type:         models.OrderType(o.OrderType),
		Product:      models.ProductType(o.Product),
		Quantity:     int(o.Quantity),
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		Validity:     o.Validity,
		Tag:          o.Tag,
		Status:       mapOrderStatus(o.Status),
		FilledQty:    int(o.FilledQuantity),
		AveragePrice: o.AveragePrice,
		PlacedAt:     o.OrderTimestamp.Time,
	}
}

// mapOrderStatus collapses Kite's order states onto the scanner's
// lifecycle. Anything not terminal is still pending.
func mapOrderStatus(status string) models.OrderStatus {
	switch status {
	case "COMPLETE":
		return models.OrderFilled
	case "REJECTED":
		return models.OrderRejected
	case "CANCELLED", "CANCELLED AMO":
		return models.OrderCancelled
	default:
		return models.OrderPending
	}
}

// Ensure ZerodhaBroker implements Broker interface
var _ Broker = (*ZerodhaBroker)(nil)
