// Package killswitch implements the cluster-wide emergency stop flag.
package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading_core/internal/core"
	"trading_core/pkg/apperrors"
)

const stateKey = "kill_switch:global"

// Registry reads and writes the kill switch state in the shared KV store.
// Checks are fail-closed: an unreadable flag blocks order flow.
type Registry struct {
	kv     core.KVStore
	logger core.Logger
}

// NewRegistry creates a registry.
func NewRegistry(kv core.KVStore, logger core.Logger) *Registry {
	return &Registry{
		kv:     kv,
		logger: logger.WithField("component", "kill_switch"),
	}
}

// Get returns the current state. A missing key means inactive.
func (r *Registry) Get(ctx context.Context) (*core.KillSwitchState, error) {
	data, ok, err := r.kv.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read kill switch state: %w", err)
	}
	if !ok {
		return &core.KillSwitchState{Active: false}, nil
	}

	var state core.KillSwitchState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode kill switch state: %w", err)
	}
	return &state, nil
}

// Activate turns the switch on. Idempotent; the reason and actor are
// recorded for the audit trail.
func (r *Registry) Activate(ctx context.Context, reason, activatedBy string) error {
	state := core.KillSwitchState{
		Active:      true,
		Reason:      reason,
		ActivatedAt: time.Now().UTC(),
		ActivatedBy: activatedBy,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode kill switch state: %w", err)
	}

	// No TTL: the switch stays on until someone turns it off.
	if err := r.kv.Set(ctx, stateKey, data, 0); err != nil {
		return fmt.Errorf("failed to write kill switch state: %w", err)
	}

	r.logger.Warn("Kill switch activated", "reason", reason, "activated_by", activatedBy)
	return nil
}

// Deactivate turns the switch off. Idempotent.
func (r *Registry) Deactivate(ctx context.Context, deactivatedBy string) error {
	state := core.KillSwitchState{Active: false}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode kill switch state: %w", err)
	}
	if err := r.kv.Set(ctx, stateKey, data, 0); err != nil {
		return fmt.Errorf("failed to write kill switch state: %w", err)
	}

	r.logger.Warn("Kill switch deactivated", "deactivated_by", deactivatedBy)
	return nil
}

// CheckOrFail returns KILL_SWITCH_ACTIVE when the switch is on, and
// propagates read errors so callers fail closed.
func (r *Registry) CheckOrFail(ctx context.Context) error {
	state, err := r.Get(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeKillSwitchActive, "kill switch state unavailable", err)
	}
	if state.Active {
		return apperrors.New(apperrors.CodeKillSwitchActive, "kill switch is active: "+state.Reason).
			WithDetails(map[string]interface{}{
				"reason":       state.Reason,
				"activated_at": state.ActivatedAt,
				"activated_by": state.ActivatedBy,
			})
	}
	return nil
}
