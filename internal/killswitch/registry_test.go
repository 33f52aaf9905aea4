package killswitch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_core/internal/kv"
	"trading_core/pkg/apperrors"
	"trading_core/pkg/logging"
)

func TestInactiveByDefault(t *testing.T) {
	r := NewRegistry(kv.NewMemoryStore(), logging.NewNop())
	ctx := context.Background()

	state, err := r.Get(ctx)
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.NoError(t, r.CheckOrFail(ctx))
}

func TestActivateBlocksAdmission(t *testing.T) {
	r := NewRegistry(kv.NewMemoryStore(), logging.NewNop())
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "manual halt", "ops@example.com"))

	state, err := r.Get(ctx)
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, "manual halt", state.Reason)
	assert.Equal(t, "ops@example.com", state.ActivatedBy)
	assert.False(t, state.ActivatedAt.IsZero())

	err = r.CheckOrFail(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeKillSwitchActive))
}

func TestDeactivateRestoresFlow(t *testing.T) {
	r := NewRegistry(kv.NewMemoryStore(), logging.NewNop())
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "incident", "ops"))
	require.NoError(t, r.Deactivate(ctx, "ops"))

	assert.NoError(t, r.CheckOrFail(ctx))
}

func TestActivateIdempotent(t *testing.T) {
	r := NewRegistry(kv.NewMemoryStore(), logging.NewNop())
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "first", "ops"))
	require.NoError(t, r.Activate(ctx, "second", "ops"))

	state, err := r.Get(ctx)
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, "second", state.Reason)
}
