// Package core defines the core interfaces for the copytrade system
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is one authenticated futures account reached through one egress proxy
type IExchange interface {
	GetName() string

	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error

	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string, orderID int64) error
	// GetOrder returns nil, nil when no order carries the client order id
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)

	GetPosition(ctx context.Context, symbol string) (*Position, error)
	// GetLotPrecision returns the number of quantity decimals accepted for symbol
	GetLotPrecision(ctx context.Context, symbol string) (int32, error)
	GetIncomeHistory(ctx context.Context, symbol, incomeType string, start, end time.Time) ([]*Income, error)
}

// ISignalStore persists signals, targets and settings
type ISignalStore interface {
	CreateSignal(ctx context.Context, s *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	SignalExists(ctx context.Context, id string) (bool, error)
	ListSignalsByStatus(ctx context.Context, status Status) ([]*Signal, error)
	// ListSignals returns the newest signals first. An empty status matches any.
	ListSignals(ctx context.Context, status Status, limit int) ([]*Signal, error)
	// UpdateSignalStatus moves a signal from one status to another. It fails
	// with ErrInvalidTransition when the stored status is no longer from.
	UpdateSignalStatus(ctx context.Context, id string, from, to Status) error
	// CloseSignal moves an OPEN signal to CLOSE and inserts its targets atomically
	CloseSignal(ctx context.Context, id string, targets []*Target) error
	UpdateSignalStop(ctx context.Context, id string, orderID int64, clientOrderID string) error
	DeleteSignal(ctx context.Context, id string) error

	CreateTargets(ctx context.Context, targets []*Target) error
	ListTargetsByStatus(ctx context.Context, status Status) ([]*Target, error)
	ListTargetsBySignal(ctx context.Context, signalID string) ([]*Target, error)
	UpdateTargetStatus(ctx context.Context, targetID string, from, to Status) error

	GetSettings(ctx context.Context) (*Settings, error)
	SetLimitBalance(ctx context.Context, value decimal.Decimal) error

	Ping(ctx context.Context) error
	Close() error
}

// IJobRunner executes fire-and-forget work. Submitted work is never dropped.
type IJobRunner interface {
	Submit(task func()) error
}

// INotifier delivers text to the operator
type INotifier interface {
	Notify(ctx context.Context, text string) error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
