package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"trading_core/pkg/logging"
)

func TestEmptyManagerIsHealthy(t *testing.T) {
	m := NewManager(logging.NewNop())
	assert.True(t, m.IsHealthy())
	assert.Empty(t, m.GetStatus())
}

func TestFailingCheckReported(t *testing.T) {
	m := NewManager(logging.NewNop())
	m.Register("store", func() error { return nil })
	m.Register("stream", func() error { return errors.New("disconnected") })

	assert.False(t, m.IsHealthy())

	status := m.GetStatus()
	assert.Equal(t, "healthy", status["store"])
	assert.Equal(t, "unhealthy: disconnected", status["stream"])
}

func TestRegisterReplacesCheck(t *testing.T) {
	m := NewManager(logging.NewNop())
	m.Register("store", func() error { return errors.New("down") })
	assert.False(t, m.IsHealthy())

	m.Register("store", func() error { return nil })
	assert.True(t, m.IsHealthy())
}
