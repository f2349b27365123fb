// Package models provides domain models for the scanner.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductCNC  ProductType = "CNC"  // Delivery
	ProductNRML ProductType = "NRML" // F&O Normal
)

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token    uint32
	Symbol   string
	Name     string
	Exchange Exchange
	Segment  string
	LotSize  int
	TickSize float64
}

// Tick represents real-time market data for one instrument.
type Tick struct {
	Token        uint32
	Symbol       string
	LTP          float64
	Quantity     int64 // last traded quantity
	Volume       int64 // cumulative session volume
	Open         float64
	High         float64
	Low          float64
	Close        float64
	BuyQuantity  int64
	SellQuantity int64
	BidPrice     float64
	AskPrice     float64
	Timestamp    time.Time
}

// Quote represents a market quote.
type Quote struct {
	Symbol        string
	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
	Change        float64
	ChangePercent float64
	Timestamp     time.Time
}

// Candle represents OHLCV data for one interval of one instrument.
// Revision counts the ticks folded into the candle while it was open;
// a closed candle is immutable.
type Candle struct {
	Symbol   string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	Revision uint64
}

// Range returns the high-low spread as a fraction of the close.
func (c Candle) Range() float64 {
	if c.Close == 0 {
		return 0
	}
	return (c.High - c.Low) / c.Close
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// TypicalPrice returns (high + low + close) / 3, the VWAP contribution price.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// CandleUpdate is the result of folding one tick into a candle series.
// Closed is non-nil when the tick rolled the series over to a new interval.
type CandleUpdate struct {
	Symbol   string
	Revision uint64
	Closed   *Candle
}

// IndicatorSnapshot holds every indicator value the strategy reads,
// computed at a single point over one instrument's candle series.
// A snapshot is never partially filled: computation fails as a whole
// when history is insufficient.
type IndicatorSnapshot struct {
	Symbol    string
	Start     time.Time // interval start of the evaluated candle
	Revision  uint64

	Close  float64
	Volume int64

	TrendEMA   float64
	FastEMA    float64
	Separation float64 // (fast - trend) / trend

	RSI float64

	VWAP      float64
	VWAPUpper float64
	VWAPLower float64

	MACD       float64
	MACDSignal float64
	MACDHist   float64

	MeanVolume float64
}
