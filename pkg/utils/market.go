// Package utils provides shared helpers for price arithmetic and
// retry/backoff policies.
package utils

import "math"

// RoundToTick rounds a price to the nearest exchange tick. A zero or
// negative tick size leaves the price unchanged.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// FloorToLot floors a quantity to lot-size granularity. A lot size
// below one is treated as one.
func FloorToLot(quantity, lotSize int) int {
	if lotSize < 1 {
		lotSize = 1
	}
	if quantity < 0 {
		return 0
	}
	return (quantity / lotSize) * lotSize
}

// WithinBand reports whether price is within band (a fraction of
// reference) of reference.
func WithinBand(price, reference, band float64) bool {
	if reference == 0 {
		return false
	}
	return math.Abs(price-reference)/reference < band
}
