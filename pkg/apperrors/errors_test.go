package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(CodeRiskLimitExceeded, "projected position 11 exceeds limit 10")
	assert.Equal(t, "RISK_LIMIT_EXCEEDED: projected position 11 exceeds limit 10", e.Error())

	wrapped := Wrap(CodeExchangeAPI, "place order failed", errors.New("boom"))
	assert.Contains(t, wrapped.Error(), "EXCHANGE_API_ERROR")
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestUnwrapAndHasCode(t *testing.T) {
	cause := errors.New("socket closed")
	e := Wrap(CodeStreamDisconnected, "stream dropped", cause)

	assert.ErrorIs(t, e, cause)
	assert.True(t, HasCode(e, CodeStreamDisconnected))
	assert.False(t, HasCode(e, CodeInternal))

	// Coded errors survive further %w wrapping.
	outer := fmt.Errorf("handler: %w", e)
	assert.True(t, HasCode(outer, CodeStreamDisconnected))
	assert.Equal(t, CodeStreamDisconnected, CodeOf(outer))
}

func TestCodeOfUncodedError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeDuplicateFill, "fill T-1 already recorded")
	b := New(CodeDuplicateFill, "different message")
	assert.ErrorIs(t, a, b)
}

func TestWithDetails(t *testing.T) {
	e := New(CodeOptimisticLock, "version moved").
		WithDetails(map[string]interface{}{"expected": 3, "actual": 5})
	require.NotNil(t, e.Details)
	assert.Equal(t, 3, e.Details["expected"])
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(CodeExchangeTimeout, "")))
	assert.True(t, Retryable(New(CodeOptimisticLock, "")))
	assert.False(t, Retryable(New(CodeRiskLimitExceeded, "")))
	assert.False(t, Retryable(errors.New("plain")))
}
