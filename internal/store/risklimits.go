package store

import (
	"context"
	"database/sql"
	"fmt"

	"trading_core/internal/core"
)

// UpsertRiskLimits writes or replaces a limits row. An empty symbol is the
// user-wide default.
func (s *Store) UpsertRiskLimits(ctx context.Context, q Querier, l *core.RiskLimits) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO risk_limits (user_id, symbol, max_position_size, max_exposure, max_daily_loss)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			max_position_size = excluded.max_position_size,
			max_exposure = excluded.max_exposure,
			max_daily_loss = excluded.max_daily_loss`,
		l.UserID, l.Symbol, decString(l.MaxPositionSize), decString(l.MaxExposure), decString(l.MaxDailyLoss),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert risk limits: %w", err)
	}
	return nil
}

// GetRiskLimits returns the limits row for (user, symbol), or nil.
func (s *Store) GetRiskLimits(ctx context.Context, q Querier, userID, symbol string) (*core.RiskLimits, error) {
	row := q.QueryRowContext(ctx, `
		SELECT user_id, symbol, max_position_size, max_exposure, max_daily_loss
		FROM risk_limits WHERE user_id = ? AND symbol = ?`, userID, symbol)

	var (
		l                   core.RiskLimits
		maxPos, maxExp, mdl string
	)
	err := row.Scan(&l.UserID, &l.Symbol, &maxPos, &maxExp, &mdl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk limits: %w", err)
	}
	if l.MaxPositionSize, err = scanDec(maxPos); err != nil {
		return nil, fmt.Errorf("bad max_position_size for %s/%s: %w", userID, symbol, err)
	}
	if l.MaxExposure, err = scanDec(maxExp); err != nil {
		return nil, fmt.Errorf("bad max_exposure for %s/%s: %w", userID, symbol, err)
	}
	if l.MaxDailyLoss, err = scanDec(mdl); err != nil {
		return nil, fmt.Errorf("bad max_daily_loss for %s/%s: %w", userID, symbol, err)
	}
	return &l, nil
}
