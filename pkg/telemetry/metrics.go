package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersCreatedTotal    = "trading_core_orders_created_total"
	MetricOrdersSubmittedTotal  = "trading_core_orders_submitted_total"
	MetricOrdersFilledTotal     = "trading_core_orders_filled_total"
	MetricOrdersRejectedTotal   = "trading_core_orders_rejected_total"
	MetricFillsProcessedTotal   = "trading_core_fills_processed_total"
	MetricFillsDuplicateTotal   = "trading_core_fills_duplicate_total"
	MetricOutboxBacklog         = "trading_core_outbox_backlog"
	MetricProjectorConflicts    = "trading_core_projector_conflicts_total"
	MetricReconActionsTotal     = "trading_core_reconciliation_actions_total"
	MetricCircuitBreakerOpen    = "trading_core_circuit_breaker_open"
	MetricKillSwitchActive      = "trading_core_kill_switch_active"
	MetricStreamConnected       = "trading_core_stream_connected"
	MetricLatencyExchange       = "trading_core_latency_exchange_ms"
	MetricRateLimiterQueueDepth = "trading_core_rate_limiter_queue_depth"
)

// Metrics holds the initialized instruments. Built once in bootstrap and
// passed to components that record.
type Metrics struct {
	OrdersCreatedTotal   metric.Int64Counter
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	FillsProcessedTotal  metric.Int64Counter
	FillsDuplicateTotal  metric.Int64Counter
	ReconActionsTotal    metric.Int64Counter
	ProjectorConflicts   metric.Int64Counter
	LatencyExchange      metric.Float64Histogram
	OutboxBacklog        metric.Int64ObservableGauge
	CircuitBreakerOpen   metric.Int64ObservableGauge
	KillSwitchActive     metric.Int64ObservableGauge
	StreamConnected      metric.Int64ObservableGauge
	RateLimiterQueue     metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	outboxBacklog    int64
	cbOpen           int64
	killSwitchActive int64
	streamConnected  int64
	limiterQueue     int64
}

// NewMetrics registers all instruments on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OrdersCreatedTotal, err = meter.Int64Counter(MetricOrdersCreatedTotal, metric.WithDescription("Total orders accepted into the store"))
	if err != nil {
		return nil, err
	}

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Total orders submitted to the exchange"))
	if err != nil {
		return nil, err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return nil, err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected locally or by the exchange"))
	if err != nil {
		return nil, err
	}

	m.FillsProcessedTotal, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Total fills recorded"))
	if err != nil {
		return nil, err
	}

	m.FillsDuplicateTotal, err = meter.Int64Counter(MetricFillsDuplicateTotal, metric.WithDescription("Total duplicate fills discarded"))
	if err != nil {
		return nil, err
	}

	m.ReconActionsTotal, err = meter.Int64Counter(MetricReconActionsTotal, metric.WithDescription("Reconciliation actions taken, by action"))
	if err != nil {
		return nil, err
	}

	m.ProjectorConflicts, err = meter.Int64Counter(MetricProjectorConflicts, metric.WithDescription("Optimistic lock conflicts during position projection"))
	if err != nil {
		return nil, err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	// Observables
	m.OutboxBacklog, err = meter.Int64ObservableGauge(MetricOutboxBacklog, metric.WithDescription("Unprocessed portfolio outbox rows"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.outboxBacklog)
			return nil
		}))
	if err != nil {
		return nil, err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.cbOpen)
			return nil
		}))
	if err != nil {
		return nil, err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill switch active state (1=active, 0=inactive)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitchActive)
			return nil
		}))
	if err != nil {
		return nil, err
	}

	m.StreamConnected, err = meter.Int64ObservableGauge(MetricStreamConnected, metric.WithDescription("User data stream connected state (1=connected, 0=not)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.streamConnected)
			return nil
		}))
	if err != nil {
		return nil, err
	}

	m.RateLimiterQueue, err = meter.Int64ObservableGauge(MetricRateLimiterQueueDepth, metric.WithDescription("Requests waiting in the rate limiter queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.limiterQueue)
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Helpers to update observable state

func (m *Metrics) SetOutboxBacklog(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outboxBacklog = n
}

func (m *Metrics) SetCircuitBreakerOpen(open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpen = val
}

func (m *Metrics) SetKillSwitchActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchActive = val
}

func (m *Metrics) SetStreamConnected(connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamConnected = val
}

func (m *Metrics) SetRateLimiterQueueDepth(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiterQueue = n
}

// RecordReconAction increments the reconciliation action counter with the
// action label.
func (m *Metrics) RecordReconAction(ctx context.Context, action string) {
	m.ReconActionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
