package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading_core/internal/core"
	"trading_core/pkg/apperrors"
)

const orderColumns = `id, user_id, strategy_id, symbol, side, type, quantity, price,
	status, filled_quantity, avg_fill_price, exchange_order_id, created_at, updated_at`

// InsertOrder writes a new order row.
func (s *Store) InsertOrder(ctx context.Context, q Querier, o *core.Order) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.StrategyID, o.Symbol, string(o.Side), string(o.Type),
		decString(o.Quantity), nullDecString(o.Price), string(o.Status),
		decString(o.FilledQuantity), nullDecString(o.AvgFillPrice),
		o.ExchangeOrderID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists mutable order fields.
func (s *Store) UpdateOrder(ctx context.Context, q Querier, o *core.Order) error {
	res, err := q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_quantity = ?, avg_fill_price = ?,
		    exchange_order_id = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), decString(o.FilledQuantity), nullDecString(o.AvgFillPrice),
		o.ExchangeOrderID, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "order %s not found", o.ID)
	}
	return nil
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, q Querier, id string) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "order %s not found", id)
	}
	return o, err
}

// GetOrderByExchangeOrderID loads the order that the exchange knows by the
// given id, or NOT_FOUND.
func (s *Store) GetOrderByExchangeOrderID(ctx context.Context, q Querier, exchangeOrderID string) (*core.Order, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ?`, exchangeOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "no order with exchange order id %s", exchangeOrderID)
	}
	return o, err
}

// ListOrdersByUser returns a user's orders, newest first.
func (s *Store) ListOrdersByUser(ctx context.Context, q Querier, userID string, limit int) ([]*core.Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListNonFinalOrders returns orders in a non-terminal status created within
// the lookback window, oldest first.
func (s *Store) ListNonFinalOrders(ctx context.Context, q Querier, since time.Time) ([]*core.Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('NEW','SUBMITTED','OPEN','PARTIALLY_FILLED','CANCELING')
		  AND created_at >= ?
		ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-final orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(r rowScanner) (*core.Order, error) {
	var (
		o          core.Order
		side, typ  string
		status     string
		qty, fqty  string
		price, avg sql.NullString
	)
	err := r.Scan(&o.ID, &o.UserID, &o.StrategyID, &o.Symbol, &side, &typ,
		&qty, &price, &status, &fqty, &avg, &o.ExchangeOrderID,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = core.OrderSide(side)
	o.Type = core.OrderType(typ)
	o.Status = core.OrderStatus(status)
	if o.Quantity, err = scanDec(qty); err != nil {
		return nil, fmt.Errorf("bad quantity for order %s: %w", o.ID, err)
	}
	if o.FilledQuantity, err = scanDec(fqty); err != nil {
		return nil, fmt.Errorf("bad filled_quantity for order %s: %w", o.ID, err)
	}
	if o.Price, err = scanNullDec(price); err != nil {
		return nil, fmt.Errorf("bad price for order %s: %w", o.ID, err)
	}
	if o.AvgFillPrice, err = scanNullDec(avg); err != nil {
		return nil, fmt.Errorf("bad avg_fill_price for order %s: %w", o.ID, err)
	}
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*core.Order, error) {
	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
