// Package health aggregates component liveness checks.
package health

import (
	"sync"

	"trading_core/internal/core"
)

// Manager implements core.HealthMonitor over a registry of check funcs.
type Manager struct {
	logger core.Logger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty manager.
func NewManager(logger core.Logger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health"),
		checks: make(map[string]func() error),
	}
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and returns per-component results.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			m.logger.Warn("Health check failing", "check", component, "error", err)
			return false
		}
	}
	return true
}
