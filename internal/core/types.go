// Package core defines the domain model and the interfaces shared by the
// execution core's components.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Valid reports whether the side is a known value.
func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStopLoss   OrderType = "STOP_LOSS"
	TypeTakeProfit OrderType = "TAKE_PROFIT"
)

func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit, TypeStopLoss, TypeTakeProfit:
		return true
	}
	return false
}

// OrderStatus is the local lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceling       OrderStatus = "CANCELING"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// EventType labels an order event. Every status change produces exactly one.
type EventType string

const (
	EventCreated         EventType = "CREATED"
	EventSubmitted       EventType = "SUBMITTED"
	EventOpened          EventType = "OPENED"
	EventPartialFill     EventType = "PARTIAL_FILL"
	EventFilled          EventType = "FILLED"
	EventCancelRequested EventType = "CANCEL_REQUESTED"
	EventCanceled        EventType = "CANCELED"
	EventRejected        EventType = "REJECTED"
	EventExpired         EventType = "EXPIRED"
)

// FillSource records how a fill entered the system.
type FillSource string

const (
	FillSourceWebsocket      FillSource = "WEBSOCKET"
	FillSourceReconciliation FillSource = "RECONCILIATION"
	FillSourceManual         FillSource = "MANUAL"
)

// OutboxEventType labels a portfolio outbox row.
type OutboxEventType string

const (
	OutboxFillProcessed OutboxEventType = "FILL_PROCESSED"
	OutboxOrderCanceled OutboxEventType = "ORDER_CANCELED"
)

// Order is a user intent to buy or sell. Quantities and prices are exact
// decimals; AvgFillPrice is unset exactly when FilledQuantity is zero.
type Order struct {
	ID              string
	UserID          string
	StrategyID      string // optional, empty when user-originated
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        decimal.Decimal
	Price           decimal.NullDecimal // required iff Type == LIMIT
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.NullDecimal
	ExchangeOrderID string // immutable once set
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RemainingQuantity is the unfilled part of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// OrderEvent is an immutable, append-only audit record. Sequence numbers are
// dense and strictly increasing per order, starting at 1.
type OrderEvent struct {
	ID        string
	OrderID   string
	Type      EventType
	Data      []byte // JSON snapshot or metadata
	Sequence  int64
	CreatedAt time.Time
}

// Fill is a single trade event realizing part of an order. ExchangeFillID is
// globally unique and is the sole dedup key.
type Fill struct {
	ID             string
	OrderID        string
	ExchangeFillID string
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Fee            decimal.Decimal
	FeeAsset       string
	ExchangeTime   time.Time
	Source         FillSource
	CreatedAt      time.Time
}

// Position is the signed per-user per-symbol ledger entry maintained by the
// portfolio projector under an optimistic version lock.
type Position struct {
	ID            string
	UserID        string
	Symbol        string
	Quantity      decimal.Decimal // signed: BUYs add, SELLs subtract
	AvgEntryPrice decimal.NullDecimal
	RealizedPnL   decimal.Decimal
	TotalFees     decimal.Decimal
	Version       int64
	UpdatedAt     time.Time
	DataAsOf      time.Time
}

// OutboxRow couples a domain event to the transaction that produced it.
// Rows are tombstoned after delivery, never deleted.
type OutboxRow struct {
	ID          int64 // monotone insertion order, FIFO key
	EventType   OutboxEventType
	UserID      string
	Symbol      string
	OrderID     string
	FillID      string // empty for ORDER_CANCELED
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// FillPayload is the outbox payload for FILL_PROCESSED rows.
type FillPayload struct {
	Side           OrderSide       `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Fee            decimal.Decimal `json:"fee"`
	FeeAsset       string          `json:"feeAsset"`
	Timestamp      time.Time       `json:"timestamp"`
	OrderStatus    OrderStatus     `json:"orderStatus"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
}

// RiskLimits are the configured pre-trade limits for a user, either
// symbol-specific (Symbol set) or the user default (Symbol empty).
type RiskLimits struct {
	UserID          string
	Symbol          string // empty means the user-wide default row
	MaxPositionSize decimal.Decimal
	MaxExposure     decimal.Decimal
	MaxDailyLoss    decimal.Decimal
}

// KillSwitchState is the cluster-visible emergency stop flag.
type KillSwitchState struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activatedAt"`
	ActivatedBy string    `json:"activatedBy"`
}

// ExchangeStatus is an order status as reported by the spot exchange.
type ExchangeStatus string

const (
	ExchangeStatusNew             ExchangeStatus = "NEW"
	ExchangeStatusPartiallyFilled ExchangeStatus = "PARTIALLY_FILLED"
	ExchangeStatusFilled          ExchangeStatus = "FILLED"
	ExchangeStatusCanceled        ExchangeStatus = "CANCELED"
	ExchangeStatusPendingCancel   ExchangeStatus = "PENDING_CANCEL"
	ExchangeStatusRejected        ExchangeStatus = "REJECTED"
	ExchangeStatusExpired         ExchangeStatus = "EXPIRED"
)

// ExchangeOrder is the exchange's authoritative view of an order.
type ExchangeOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Status          ExchangeStatus
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	ExecutedQty     decimal.Decimal
	UpdatedAt       time.Time
}

// ExchangeTrade is a single trade reported by the exchange for an order.
type ExchangeTrade struct {
	TradeID         string
	ExchangeOrderID string
	Symbol          string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Time            time.Time
}

// ExecutionReport is a user-data-stream event describing an order update,
// optionally carrying a trade component (LastQty > 0).
type ExecutionReport struct {
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Status          ExchangeStatus
	ExchangeOrderID string
	LastQty         decimal.Decimal
	CumQty          decimal.Decimal
	LastPrice       decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	TradeID         string
	TransactTime    time.Time
}

// HasTrade reports whether the report carries an executed trade component.
func (r *ExecutionReport) HasTrade() bool { return r.LastQty.IsPositive() }

// ReconAction is the outcome recorded for one order in a reconciliation run.
type ReconAction string

const (
	ReconNoChange            ReconAction = "NO_CHANGE"
	ReconStateUpdated        ReconAction = "STATE_UPDATED"
	ReconFillsAdded          ReconAction = "FILLS_ADDED"
	ReconMarkedRejected      ReconAction = "MARKED_REJECTED"
	ReconCriticalDiscrepancy ReconAction = "CRITICAL_DISCREPANCY"
)

// ReconLogEntry is a persisted reconciliation decision with before/after.
type ReconLogEntry struct {
	ID             string
	OrderID        string
	Action         ReconAction
	LocalStatus    OrderStatus
	ExchangeStatus ExchangeStatus
	LocalFilled    decimal.Decimal
	ExchangeFilled decimal.Decimal
	Detail         string
	CreatedAt      time.Time
}
