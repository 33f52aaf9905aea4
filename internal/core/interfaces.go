package core

import (
	"context"
	"time"
)

// Logger is the structured logging interface used across components.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ExchangeClient is the outbound spot-exchange surface used by admission and
// reconciliation. Implementations wrap rate limiting and circuit breaking.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (*ExchangeOrder, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]*ExchangeOrder, error)
	ListOrderTrades(ctx context.Context, symbol, exchangeOrderID string) ([]*ExchangeTrade, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// PlaceOrderRequest is the outbound order submission shape.
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      string // decimal string, exchange-precision
	Price         string // empty for MARKET
	ClientOrderID string
}

// KVStore is a cluster-visible key/value store with TTLs, used for the kill
// switch, risk approval cache and idempotency records. Reads are eventually
// consistent.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePattern removes keys matching a glob-style pattern ("prefix:*")
	// and returns the number removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// HealthMonitor aggregates component health checks.
type HealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
