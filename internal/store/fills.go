package store

import (
	"context"
	"database/sql"
	"fmt"

	"trading_core/internal/core"
	"trading_core/pkg/apperrors"
)

const fillColumns = `id, order_id, exchange_fill_id, price, quantity, fee, fee_asset,
	exchange_time, source, created_at`

// InsertFill writes a fill row. A duplicate exchange_fill_id surfaces as
// DUPLICATE_FILL.
func (s *Store) InsertFill(ctx context.Context, q Querier, f *core.Fill) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO fills (`+fillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.ExchangeFillID, decString(f.Price), decString(f.Quantity),
		decString(f.Fee), f.FeeAsset, f.ExchangeTime, string(f.Source), f.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return apperrors.Newf(apperrors.CodeDuplicateFill, "fill %s already recorded", f.ExchangeFillID)
		}
		return fmt.Errorf("failed to insert fill: %w", err)
	}
	return nil
}

// FillExists reports whether a fill with the exchange id is already recorded.
func (s *Store) FillExists(ctx context.Context, q Querier, exchangeFillID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM fills WHERE exchange_fill_id = ?`, exchangeFillID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check fill existence: %w", err)
	}
	return true, nil
}

// ListFillsByOrder returns an order's fills in exchange time order.
func (s *Store) ListFillsByOrder(ctx context.Context, q Querier, orderID string) ([]*core.Fill, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+fillColumns+` FROM fills
		WHERE order_id = ? ORDER BY exchange_time ASC, id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	defer rows.Close()

	var out []*core.Fill
	for rows.Next() {
		var (
			f               core.Fill
			price, qty, fee string
			source          string
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.ExchangeFillID, &price, &qty,
			&fee, &f.FeeAsset, &f.ExchangeTime, &source, &f.CreatedAt); err != nil {
			return nil, err
		}
		if f.Price, err = scanDec(price); err != nil {
			return nil, fmt.Errorf("bad price for fill %s: %w", f.ID, err)
		}
		if f.Quantity, err = scanDec(qty); err != nil {
			return nil, fmt.Errorf("bad quantity for fill %s: %w", f.ID, err)
		}
		if f.Fee, err = scanDec(fee); err != nil {
			return nil, fmt.Errorf("bad fee for fill %s: %w", f.ID, err)
		}
		f.Source = core.FillSource(source)
		out = append(out, &f)
	}
	return out, rows.Err()
}
