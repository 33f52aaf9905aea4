package store

import (
	"context"
	"database/sql"
	"fmt"

	"trading_core/internal/core"
	"trading_core/pkg/apperrors"
)

const positionColumns = `id, user_id, symbol, quantity, avg_entry_price, realized_pnl,
	total_fees, version, updated_at, data_as_of`

// GetPosition loads the position for (user, symbol), or nil when none exists.
func (s *Store) GetPosition(ctx context.Context, q Querier, userID, symbol string) (*core.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ?`, userID, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPositionsByUser returns all of a user's positions.
func (s *Store) ListPositionsByUser(ctx context.Context, q Querier, userID string) ([]*core.Position, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? ORDER BY symbol ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPosition writes the first position row for (user, symbol) with
// version 1. A concurrent insert surfaces as OPTIMISTIC_LOCK_FAILED.
func (s *Store) InsertPosition(ctx context.Context, q Querier, p *core.Position) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Symbol, decString(p.Quantity), nullDecString(p.AvgEntryPrice),
		decString(p.RealizedPnL), decString(p.TotalFees), p.Version, p.UpdatedAt, p.DataAsOf,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return apperrors.Newf(apperrors.CodeOptimisticLock,
				"position for %s/%s created concurrently", p.UserID, p.Symbol)
		}
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

// UpdatePositionWithVersion applies an optimistic-locked update: the row is
// written only if its stored version still equals expectedVersion, and the
// version is bumped. A stale version surfaces as OPTIMISTIC_LOCK_FAILED.
func (s *Store) UpdatePositionWithVersion(ctx context.Context, q Querier, p *core.Position, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE positions
		SET quantity = ?, avg_entry_price = ?, realized_pnl = ?, total_fees = ?,
		    version = version + 1, updated_at = ?, data_as_of = ?
		WHERE user_id = ? AND symbol = ? AND version = ?`,
		decString(p.Quantity), nullDecString(p.AvgEntryPrice), decString(p.RealizedPnL),
		decString(p.TotalFees), p.UpdatedAt, p.DataAsOf,
		p.UserID, p.Symbol, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.Newf(apperrors.CodeOptimisticLock,
			"position for %s/%s moved past version %d", p.UserID, p.Symbol, expectedVersion)
	}
	p.Version = expectedVersion + 1
	return nil
}

func scanPosition(r rowScanner) (*core.Position, error) {
	var (
		p              core.Position
		qty, pnl, fees string
		avg            sql.NullString
	)
	err := r.Scan(&p.ID, &p.UserID, &p.Symbol, &qty, &avg, &pnl, &fees,
		&p.Version, &p.UpdatedAt, &p.DataAsOf)
	if err != nil {
		return nil, err
	}
	if p.Quantity, err = scanDec(qty); err != nil {
		return nil, fmt.Errorf("bad quantity for position %s: %w", p.ID, err)
	}
	if p.RealizedPnL, err = scanDec(pnl); err != nil {
		return nil, fmt.Errorf("bad realized_pnl for position %s: %w", p.ID, err)
	}
	if p.TotalFees, err = scanDec(fees); err != nil {
		return nil, fmt.Errorf("bad total_fees for position %s: %w", p.ID, err)
	}
	if p.AvgEntryPrice, err = scanNullDec(avg); err != nil {
		return nil, fmt.Errorf("bad avg_entry_price for position %s: %w", p.ID, err)
	}
	return &p, nil
}
