// Package errors provides the scanner's error taxonomy. Every failure
// in the pipeline belongs to one of six classes, each with its own
// handling policy: data-quality (skip and count), insufficient-history
// (skip the instrument this cycle), risk-rejected (log and audit),
// execution-rejected (release the reservation, no retry), transport
// (retry with backoff, then degrade to polling), and fatal-config
// (refuse to start).
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrMarketClosed        = errors.New("market is closed")
	ErrInsufficientHistory = errors.New("insufficient candle history")
	ErrLateTick            = errors.New("tick precedes open candle")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrOrderRejected       = errors.New("order rejected")
	ErrAckTimeout          = errors.New("order acknowledgement timed out")
	ErrPositionNotFound    = errors.New("position not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrStoreClosed         = errors.New("store is closed")
)

// DataError represents a data-quality failure: a malformed or
// out-of-order tick, or a bad historical bar. Callers skip the datum,
// bump a counter and move on; a DataError never propagates past the
// ingestion layer.
type DataError struct {
	Symbol  string
	Message string
	Err     error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s]: %s: %v", e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s]: %s", e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(symbol, message string, err error) *DataError {
	return &DataError{
		Symbol:  symbol,
		Message: message,
		Err:     err,
	}
}

// RiskError represents a risk gate refusal. It carries the rule that
// fired with the observed and limit values for the audit trail.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk rejected [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// ExecutionError represents a broker rejection or acknowledgement
// timeout while working an order. The dispatcher releases the
// reservation and does not retry.
type ExecutionError struct {
	OrderID string
	Symbol  string
	Stage   string // entry, stop, target, exit, cancel
	Reason  string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution rejected [%s] %s %s: %s: %v", e.OrderID, e.Stage, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("execution rejected [%s] %s %s: %s", e.OrderID, e.Stage, e.Symbol, e.Reason)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(orderID, symbol, stage, reason string, err error) *ExecutionError {
	return &ExecutionError{
		OrderID: orderID,
		Symbol:  symbol,
		Stage:   stage,
		Reason:  reason,
		Err:     err,
	}
}

// TransportError represents a feed or API connectivity failure.
// Retried with backoff; past the retry budget the scanner degrades to
// poll fallback.
type TransportError struct {
	Endpoint string
	Message  string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error [%s]: %s: %v", e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("transport error [%s]: %s", e.Endpoint, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(endpoint, message string, err error) *TransportError {
	return &TransportError{
		Endpoint: endpoint,
		Message:  message,
		Err:      err,
	}
}

// ConfigError represents an invalid configuration value. Fatal at
// startup: the process exits before any component starts.
type ConfigError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field string, value interface{}, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
