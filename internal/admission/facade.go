// Package admission is the front door for order flow. It chains the
// idempotency check, the kill switch, and risk validation, persists the
// accepted order, and hands submission to a worker pool so the caller
// never waits on the exchange.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading_core/internal/config"
	"trading_core/internal/core"
	"trading_core/internal/exchange/binance"
	"trading_core/internal/killswitch"
	"trading_core/internal/orders"
	"trading_core/internal/risk"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/concurrency"
	"trading_core/pkg/telemetry"
)

const idempotencyKeyPrefix = "idempotency:order:"

// riskRetries bounds how often a POSITION_CHANGED denial is retried with a
// fresh position read before giving up.
const riskRetries = 3

// PlaceOrderRequest carries one order intent through admission.
type PlaceOrderRequest struct {
	UserID         string
	StrategyID     string
	Symbol         string
	Side           core.OrderSide
	Type           core.OrderType
	Quantity       decimal.Decimal
	Price          decimal.NullDecimal
	IdempotencyKey string // optional, scoped per user
}

// Facade admits, persists and submits orders.
type Facade struct {
	store      *store.Store
	machine    *orders.Machine
	killSwitch *killswitch.Registry
	risk       *risk.Validator
	exchange   core.ExchangeClient
	kv         core.KVStore
	pool       *concurrency.WorkerPool
	logger     core.Logger
	metrics    *telemetry.Metrics

	idempotencyTTL time.Duration
	submitTimeout  time.Duration
}

// NewFacade creates the admission facade. metrics may be nil.
func NewFacade(
	cfg *config.Config,
	st *store.Store,
	machine *orders.Machine,
	ks *killswitch.Registry,
	validator *risk.Validator,
	exchange core.ExchangeClient,
	kv core.KVStore,
	logger core.Logger,
	metrics *telemetry.Metrics,
) *Facade {
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "order_submit",
		MaxWorkers: cfg.Admission.SubmitWorkers,
	}, logger)

	return &Facade{
		store:          st,
		machine:        machine,
		killSwitch:     ks,
		risk:           validator,
		exchange:       exchange,
		kv:             kv,
		pool:           pool,
		logger:         logger.WithField("component", "admission"),
		metrics:        metrics,
		idempotencyTTL: time.Duration(cfg.Admission.IdempotencyTTLSec) * time.Second,
		submitTimeout:  time.Duration(cfg.Admission.SubmitTimeoutMs) * time.Millisecond,
	}
}

// PlaceOrder admits an order. On success the returned order is already
// persisted as NEW and queued for submission; a repeated idempotency key
// returns the original order without re-admitting it.
func (f *Facade) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*core.Order, error) {
	if req.IdempotencyKey != "" {
		existing, err := f.lookupIdempotent(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			f.logger.Info("Idempotent replay, returning existing order",
				"order_id", existing.ID, "user_id", req.UserID, "idempotency_key", req.IdempotencyKey)
			return existing, nil
		}
	}

	if err := f.killSwitch.CheckOrFail(ctx); err != nil {
		if f.metrics != nil {
			f.metrics.SetKillSwitchActive(true)
		}
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.SetKillSwitchActive(false)
	}

	if err := f.validateRisk(ctx, req); err != nil {
		return nil, err
	}

	order, err := f.machine.CreateOrder(ctx, orders.CreateOrderRequest{
		UserID:     req.UserID,
		StrategyID: req.StrategyID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		Price:      req.Price,
	})
	if err != nil {
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.OrdersCreatedTotal.Add(ctx, 1)
	}

	if req.IdempotencyKey != "" {
		if err := f.recordIdempotent(ctx, req.UserID, req.IdempotencyKey, order.ID); err != nil {
			// The order is already durable; losing the idempotency record
			// only risks a duplicate on client retry.
			f.logger.Warn("Failed to record idempotency key",
				"error", err, "order_id", order.ID)
		}
	}

	if err := f.pool.Submit(func() { f.submit(order) }); err != nil {
		f.logger.Error("Failed to queue order for submission",
			"error", err, "order_id", order.ID)
	}
	return order, nil
}

// validateRisk runs the pre-trade check, re-reading the position when the
// validator reports it moved underneath us.
func (f *Facade) validateRisk(ctx context.Context, req PlaceOrderRequest) error {
	var err error
	for attempt := 0; attempt < riskRetries; attempt++ {
		var position *core.Position
		position, err = f.store.GetPosition(ctx, f.store.DB(), req.UserID, req.Symbol)
		if err != nil {
			return fmt.Errorf("failed to load position: %w", err)
		}

		err = f.risk.Validate(ctx, req.UserID, req.Symbol, req.Side, req.Quantity, position)
		if err == nil {
			return nil
		}
		if !apperrors.HasCode(err, apperrors.CodePositionChanged) {
			return err
		}
	}
	return err
}

// submit pushes one order to the exchange on its own deadline, detached
// from the caller's context.
func (f *Facade) submit(order *core.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), f.submitTimeout)
	defer cancel()

	remote, err := f.exchange.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity.String(),
		Price:         priceString(order),
		ClientOrderID: order.ID,
	})
	if err != nil {
		f.handleSubmitFailure(ctx, order, err)
		return
	}

	updated, err := f.machine.TransitionOrder(ctx, order.ID, core.StatusSubmitted, map[string]interface{}{
		"exchangeOrderId": remote.ExchangeOrderID,
	})
	if err != nil {
		f.logger.Error("Failed to record submission",
			"error", err, "order_id", order.ID, "exchange_order_id", remote.ExchangeOrderID)
		return
	}
	if f.metrics != nil {
		f.metrics.OrdersSubmittedTotal.Add(ctx, 1)
	}

	// MARKET orders can come back already filled; fills arrive over the
	// stream or reconciliation, so only the acknowledged statuses advance
	// here.
	if target, ok := binance.MapToLocalStatus(remote.Status); ok && target == core.StatusOpen {
		if _, err := f.machine.TransitionOrder(ctx, updated.ID, core.StatusOpen, map[string]interface{}{
			"source": "submission",
		}); err != nil {
			f.logger.Error("Failed to open submitted order", "error", err, "order_id", order.ID)
		}
	}
}

// handleSubmitFailure rejects orders the exchange definitively refused.
// Ambiguous failures leave the order NEW so reconciliation can decide once
// the submission timeout passes; the order may exist on the venue.
func (f *Facade) handleSubmitFailure(ctx context.Context, order *core.Order, err error) {
	code := apperrors.CodeOf(err)
	if apperrors.Retryable(err) || code == apperrors.CodeRateLimitQueueFull {
		f.logger.Warn("Order submission failed transiently, leaving for reconciliation",
			"error", err, "order_id", order.ID)
		return
	}

	f.logger.Warn("Order rejected on submission",
		"error", err, "order_id", order.ID, "code", string(code))
	if _, terr := f.machine.TransitionOrder(ctx, order.ID, core.StatusRejected, map[string]interface{}{
		"source": "submission",
		"reason": err.Error(),
		"code":   string(code),
	}); terr != nil {
		f.logger.Error("Failed to reject order", "error", terr, "order_id", order.ID)
	}
	if f.metrics != nil {
		f.metrics.OrdersRejectedTotal.Add(ctx, 1)
	}
}

// CancelOrder requests cancellation. NEW orders cancel locally; live orders
// move to CANCELING and the exchange is asked, with reconciliation owning
// any residue if the request is lost.
func (f *Facade) CancelOrder(ctx context.Context, orderID string) (*core.Order, error) {
	order, err := f.machine.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case core.StatusNew:
		return f.machine.TransitionOrder(ctx, orderID, core.StatusCanceled, map[string]interface{}{
			"source": "cancel_request",
		})

	case core.StatusSubmitted:
		// No exchange order id yet; nothing to address the cancel at.
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition,
			"order %s is awaiting exchange acknowledgment, retry the cancel shortly", orderID)

	case core.StatusOpen, core.StatusPartiallyFilled:
		updated, err := f.machine.TransitionOrder(ctx, orderID, core.StatusCanceling, map[string]interface{}{
			"source": "cancel_request",
		})
		if err != nil {
			return nil, err
		}

		if err := f.exchange.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID); err != nil {
			// The order may already be gone, or the request may have been
			// lost. Either way the next reconciliation pass settles it.
			f.logger.Warn("Exchange cancel failed, reconciliation will resolve",
				"error", err, "order_id", orderID, "exchange_order_id", order.ExchangeOrderID)
		}
		return updated, nil

	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidTransition,
			"order %s in status %s cannot be canceled", orderID, order.Status)
	}
}

// GetOrder loads one order.
func (f *Facade) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	return f.machine.GetOrder(ctx, orderID)
}

// ListOrders returns a user's most recent orders.
func (f *Facade) ListOrders(ctx context.Context, userID string, limit int) ([]*core.Order, error) {
	return f.store.ListOrdersByUser(ctx, f.store.DB(), userID, limit)
}

// ListFills returns an order's fills in exchange-time order.
func (f *Facade) ListFills(ctx context.Context, orderID string) ([]*core.Fill, error) {
	return f.store.ListFillsByOrder(ctx, f.store.DB(), orderID)
}

// Stop drains the submit pool.
func (f *Facade) Stop() {
	f.pool.Stop()
}

func (f *Facade) lookupIdempotent(ctx context.Context, userID, key string) (*core.Order, error) {
	data, ok, err := f.kv.Get(ctx, idempotencyKey(userID, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var record struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("malformed idempotency record: %w", err)
	}
	return f.machine.GetOrder(ctx, record.OrderID)
}

func (f *Facade) recordIdempotent(ctx context.Context, userID, key, orderID string) error {
	data, err := json.Marshal(map[string]string{"orderId": orderID})
	if err != nil {
		return err
	}
	return f.kv.Set(ctx, idempotencyKey(userID, key), data, f.idempotencyTTL)
}

func idempotencyKey(userID, key string) string {
	return idempotencyKeyPrefix + userID + ":" + key
}

func priceString(order *core.Order) string {
	if order.Price.Valid {
		return order.Price.Decimal.String()
	}
	return ""
}
