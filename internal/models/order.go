package models

import "time"

// Order represents a broker order.
type Order struct {
	ID           string
	Symbol       string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64
	TriggerPrice float64
	Validity     string // DAY, IOC
	Tag          string
	Status       OrderStatus
	Message      string
	FilledQty    int
	AveragePrice float64
	PlacedAt     time.Time
}

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}
