// Package orders implements the order state machine. Every mutation runs in
// one serializable transaction covering the order row, its event log, and
// any fill and outbox rows it produces.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trading_core/internal/core"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
)

// Machine owns order lifecycle mutations.
type Machine struct {
	store  *store.Store
	logger core.Logger
	now    func() time.Time
}

// NewMachine creates a state machine over the store.
func NewMachine(st *store.Store, logger core.Logger) *Machine {
	return &Machine{
		store:  st,
		logger: logger.WithField("component", "order_machine"),
		now:    time.Now,
	}
}

// CreateOrderRequest carries a validated order intent.
type CreateOrderRequest struct {
	UserID     string
	StrategyID string
	Symbol     string
	Side       core.OrderSide
	Type       core.OrderType
	Quantity   decimal.Decimal
	Price      decimal.NullDecimal
}

func (r *CreateOrderRequest) validate() error {
	if r.UserID == "" {
		return apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if r.Symbol == "" {
		return apperrors.New(apperrors.CodeValidation, "symbol is required")
	}
	if !r.Side.Valid() {
		return apperrors.Newf(apperrors.CodeValidation, "invalid side %q", r.Side)
	}
	if !r.Type.Valid() {
		return apperrors.Newf(apperrors.CodeValidation, "invalid order type %q", r.Type)
	}
	if !r.Quantity.IsPositive() {
		return apperrors.Newf(apperrors.CodeValidation, "quantity must be positive, got %s", r.Quantity)
	}
	if r.Type == core.TypeLimit {
		if !r.Price.Valid || !r.Price.Decimal.IsPositive() {
			return apperrors.New(apperrors.CodeValidation, "limit orders require a positive price")
		}
	} else if r.Price.Valid {
		return apperrors.Newf(apperrors.CodeValidation, "%s orders must not carry a price", r.Type)
	}
	return nil
}

// CreateOrder persists a NEW order and its CREATED event atomically.
func (m *Machine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*core.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	order := &core.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         core.StatusNew,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.store.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
		return m.appendEvent(ctx, tx, order, core.EventCreated, map[string]interface{}{
			"symbol":   order.Symbol,
			"side":     order.Side,
			"type":     order.Type,
			"quantity": order.Quantity.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Order created",
		"order_id", order.ID, "user_id", order.UserID, "symbol", order.Symbol,
		"side", order.Side, "type", order.Type, "quantity", order.Quantity.String())
	return order, nil
}

// TransitionOrder moves an order along the lifecycle graph, recording the
// event and, when the order reaches CANCELED, an outbox row so downstream
// consumers observe the release.
func (m *Machine) TransitionOrder(ctx context.Context, orderID string, newStatus core.OrderStatus, metadata map[string]interface{}) (*core.Order, error) {
	var order *core.Order
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		order, err = m.store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if !CanTransition(order.Status, newStatus) {
			return apperrors.Newf(apperrors.CodeInvalidTransition,
				"order %s cannot move %s -> %s", orderID, order.Status, newStatus).
				WithDetails(map[string]interface{}{
					"from": string(order.Status),
					"to":   string(newStatus),
				})
		}

		prev := order.Status
		order.Status = newStatus
		order.UpdatedAt = m.now().UTC()
		if id, ok := metadata["exchangeOrderId"].(string); ok && order.ExchangeOrderID == "" {
			order.ExchangeOrderID = id
		}

		if err := m.store.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}

		eventData := map[string]interface{}{"from": string(prev)}
		for k, v := range metadata {
			eventData[k] = v
		}
		if err := m.appendEvent(ctx, tx, order, statusEvents[newStatus], eventData); err != nil {
			return err
		}

		if newStatus == core.StatusCanceled {
			payload, err := json.Marshal(map[string]interface{}{
				"status":         string(newStatus),
				"filledQuantity": order.FilledQuantity.String(),
				"quantity":       order.Quantity.String(),
			})
			if err != nil {
				return fmt.Errorf("failed to encode cancel payload: %w", err)
			}
			if err := m.store.InsertOutboxRow(ctx, tx, &core.OutboxRow{
				EventType: core.OutboxOrderCanceled,
				UserID:    order.UserID,
				Symbol:    order.Symbol,
				OrderID:   order.ID,
				Payload:   payload,
				CreatedAt: m.now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Order transitioned",
		"order_id", order.ID, "status", order.Status, "exchange_order_id", order.ExchangeOrderID)
	return order, nil
}

// ProcessFill records a fill and advances the order. A duplicate exchange
// fill id is discarded silently, returning (nil, nil). Partial fills on a
// CANCELING order keep it CANCELING; completion wins over cancellation.
func (m *Machine) ProcessFill(ctx context.Context, fill *core.Fill) (*core.Order, error) {
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}
	if fill.CreatedAt.IsZero() {
		fill.CreatedAt = m.now().UTC()
	}
	if !fill.Quantity.IsPositive() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "fill quantity must be positive, got %s", fill.Quantity)
	}
	if !fill.Price.IsPositive() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "fill price must be positive, got %s", fill.Price)
	}

	var (
		order     *core.Order
		duplicate bool
	)
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		order, err = m.store.GetOrder(ctx, tx, fill.OrderID)
		if err != nil {
			return err
		}

		// Dedup before the status gate: a replayed exchange fill id must be
		// discarded as success even after the order settled, so a stream
		// reconnect re-delivering the last trade of a FILLED order is silent.
		if err := m.store.InsertFill(ctx, tx, fill); err != nil {
			if apperrors.HasCode(err, apperrors.CodeDuplicateFill) {
				duplicate = true
				return err
			}
			return err
		}

		switch order.Status {
		case core.StatusOpen, core.StatusPartiallyFilled, core.StatusCanceling:
		default:
			return apperrors.Newf(apperrors.CodeInvalidStateForFill,
				"order %s in status %s cannot accept fills", order.ID, order.Status)
		}

		if fill.Quantity.GreaterThan(order.RemainingQuantity()) {
			return apperrors.Newf(apperrors.CodeFillExceedsOrder,
				"fill %s for %s exceeds remaining %s on order %s",
				fill.ExchangeFillID, fill.Quantity, order.RemainingQuantity(), order.ID)
		}

		// Weighted average over all filled quantity.
		prevFilled := order.FilledQuantity
		order.FilledQuantity = prevFilled.Add(fill.Quantity)
		prevNotional := decimal.Zero
		if order.AvgFillPrice.Valid {
			prevNotional = order.AvgFillPrice.Decimal.Mul(prevFilled)
		}
		newAvg := prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(order.FilledQuantity)
		order.AvgFillPrice = decimal.NullDecimal{Decimal: newAvg, Valid: true}

		eventType := core.EventPartialFill
		if order.FilledQuantity.Equal(order.Quantity) {
			order.Status = core.StatusFilled
			eventType = core.EventFilled
		} else if order.Status != core.StatusCanceling {
			order.Status = core.StatusPartiallyFilled
		}
		order.UpdatedAt = m.now().UTC()

		if err := m.store.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}

		if err := m.appendEvent(ctx, tx, order, eventType, map[string]interface{}{
			"fillId":         fill.ID,
			"exchangeFillId": fill.ExchangeFillID,
			"price":          fill.Price.String(),
			"quantity":       fill.Quantity.String(),
			"filledQuantity": order.FilledQuantity.String(),
		}); err != nil {
			return err
		}

		payload, err := json.Marshal(core.FillPayload{
			Side:           order.Side,
			Quantity:       fill.Quantity,
			Price:          fill.Price,
			Fee:            fill.Fee,
			FeeAsset:       fill.FeeAsset,
			Timestamp:      fill.ExchangeTime,
			OrderStatus:    order.Status,
			FilledQuantity: order.FilledQuantity,
			AvgFillPrice:   newAvg,
		})
		if err != nil {
			return fmt.Errorf("failed to encode fill payload: %w", err)
		}
		return m.store.InsertOutboxRow(ctx, tx, &core.OutboxRow{
			EventType: core.OutboxFillProcessed,
			UserID:    order.UserID,
			Symbol:    order.Symbol,
			OrderID:   order.ID,
			FillID:    fill.ID,
			Payload:   payload,
			CreatedAt: m.now().UTC(),
		})
	})
	if err != nil {
		if duplicate {
			m.logger.Debug("Duplicate fill discarded",
				"order_id", fill.OrderID, "exchange_fill_id", fill.ExchangeFillID)
			return nil, nil
		}
		return nil, err
	}

	m.logger.Info("Fill processed",
		"order_id", order.ID, "exchange_fill_id", fill.ExchangeFillID,
		"price", fill.Price.String(), "quantity", fill.Quantity.String(),
		"filled_quantity", order.FilledQuantity.String(), "status", order.Status)
	return order, nil
}

// GetOrder loads an order outside any transaction.
func (m *Machine) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	return m.store.GetOrder(ctx, m.store.DB(), orderID)
}

func (m *Machine) appendEvent(ctx context.Context, tx *sql.Tx, order *core.Order, eventType core.EventType, data map[string]interface{}) error {
	seq, err := m.store.NextEventSequence(ctx, tx, order.ID)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	return m.store.InsertOrderEvent(ctx, tx, &core.OrderEvent{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Type:      eventType,
		Data:      encoded,
		Sequence:  seq,
		CreatedAt: m.now().UTC(),
	})
}
