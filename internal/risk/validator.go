// Package risk implements pre-trade validation against configured position
// limits, with a short-lived approval cache.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading_core/internal/core"
	"trading_core/internal/store"
	"trading_core/pkg/apperrors"
)

const approvalKeyPrefix = "risk:approval:"

// Validator checks a proposed order against the user's limits. Approvals
// are cached in the KV store keyed by the observed position version, so a
// position change invalidates them implicitly; denials are never cached.
type Validator struct {
	store       *store.Store
	kv          core.KVStore
	logger      core.Logger
	approvalTTL time.Duration
}

// NewValidator creates a validator. ttl caps how long an approval may be
// reused; it is clamped to 10 seconds.
func NewValidator(st *store.Store, kvStore core.KVStore, ttl time.Duration, logger core.Logger) *Validator {
	if ttl <= 0 || ttl > 10*time.Second {
		ttl = 10 * time.Second
	}
	return &Validator{
		store:       st,
		kv:          kvStore,
		logger:      logger.WithField("component", "risk_validator"),
		approvalTTL: ttl,
	}
}

// Validate approves or denies a proposed order. observed is the position
// the caller loaded before asking, nil meaning flat; a version mismatch
// against the stored position denies with POSITION_CHANGED so the caller
// re-reads and retries.
func (v *Validator) Validate(ctx context.Context, userID, symbol string, side core.OrderSide, quantity decimal.Decimal, observed *core.Position) error {
	current, err := v.store.GetPosition(ctx, v.store.DB(), userID, symbol)
	if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}

	var observedVersion, currentVersion int64
	if observed != nil {
		observedVersion = observed.Version
	}
	if current != nil {
		currentVersion = current.Version
	}
	if observedVersion != currentVersion {
		return apperrors.Newf(apperrors.CodePositionChanged,
			"position for %s/%s moved from version %d to %d", userID, symbol, observedVersion, currentVersion)
	}

	cacheKey := approvalKey(userID, symbol, side, quantity, currentVersion)
	if _, ok, err := v.kv.Get(ctx, cacheKey); err == nil && ok {
		return nil
	}

	limits, err := v.lookupLimits(ctx, userID, symbol)
	if err != nil {
		return err
	}

	projected := decimal.Zero
	if current != nil {
		projected = current.Quantity
	}
	if side == core.SideBuy {
		projected = projected.Add(quantity)
	} else {
		projected = projected.Sub(quantity)
	}

	// Landing exactly on the limit is allowed; only exceeding it is denied.
	if projected.Abs().GreaterThan(limits.MaxPositionSize) {
		return apperrors.Newf(apperrors.CodeRiskLimitExceeded,
			"projected position %s exceeds limit %s for %s/%s",
			projected.String(), limits.MaxPositionSize.String(), userID, symbol).
			WithDetails(map[string]interface{}{
				"violationType": "MAX_POSITION_SIZE",
				"projected":     projected.String(),
				"limit":         limits.MaxPositionSize.String(),
			})
	}

	if err := v.kv.Set(ctx, cacheKey, []byte("1"), v.approvalTTL); err != nil {
		v.logger.Warn("Failed to cache risk approval", "error", err, "key", cacheKey)
	}
	return nil
}

// PurgeApprovals drops every cached approval, forcing full revalidation.
// Called when limits change.
func (v *Validator) PurgeApprovals(ctx context.Context) (int, error) {
	n, err := v.kv.DeletePattern(ctx, approvalKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to purge approval cache: %w", err)
	}
	v.logger.Info("Purged risk approval cache", "removed", n)
	return n, nil
}

// UpdateLimits writes a limits row and purges the approval cache.
func (v *Validator) UpdateLimits(ctx context.Context, limits *core.RiskLimits) error {
	if err := v.store.UpsertRiskLimits(ctx, v.store.DB(), limits); err != nil {
		return err
	}
	_, err := v.PurgeApprovals(ctx)
	return err
}

// lookupLimits resolves the most specific limits row: (user, symbol), then
// the user-wide default, then NO_LIMITS_CONFIGURED.
func (v *Validator) lookupLimits(ctx context.Context, userID, symbol string) (*core.RiskLimits, error) {
	limits, err := v.store.GetRiskLimits(ctx, v.store.DB(), userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk limits: %w", err)
	}
	if limits != nil {
		return limits, nil
	}

	limits, err = v.store.GetRiskLimits(ctx, v.store.DB(), userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load default risk limits: %w", err)
	}
	if limits != nil {
		return limits, nil
	}

	return nil, apperrors.Newf(apperrors.CodeNoLimitsConfigured,
		"no risk limits configured for user %s", userID)
}

func approvalKey(userID, symbol string, side core.OrderSide, quantity decimal.Decimal, version int64) string {
	return fmt.Sprintf("%s%s:%s:%s:%s:%d", approvalKeyPrefix, userID, symbol, side, quantity.String(), version)
}
