package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal      = "copytrade_orders_placed_total"
	MetricOrdersFailedTotal      = "copytrade_orders_failed_total"
	MetricDispatchBatchesTotal   = "copytrade_dispatch_batches_total"
	MetricAccountFailuresTotal   = "copytrade_account_failures_total"
	MetricReconcilePassesTotal   = "copytrade_reconcile_passes_total"
	MetricReconcileDuration      = "copytrade_reconcile_duration_ms"
	MetricLatencyExchange        = "copytrade_latency_exchange_ms"
	MetricSignalsOpen            = "copytrade_signals_open"
	MetricTargetsOpen            = "copytrade_targets_open"
	MetricCircuitBreakerOpen     = "copytrade_circuit_breaker_open"
	MetricNotificationsSentTotal = "copytrade_notifications_sent_total"
)

// MetricsHolder holds initialized instruments. Every Record/Set helper is a
// no-op until InitMetrics has run, so packages can report unconditionally.
type MetricsHolder struct {
	OrdersPlacedTotal      metric.Int64Counter
	OrdersFailedTotal      metric.Int64Counter
	DispatchBatchesTotal   metric.Int64Counter
	AccountFailuresTotal   metric.Int64Counter
	ReconcilePassesTotal   metric.Int64Counter
	NotificationsSentTotal metric.Int64Counter
	ReconcileDuration      metric.Float64Histogram
	LatencyExchange        metric.Float64Histogram
	SignalsOpen            metric.Int64ObservableGauge
	TargetsOpen            metric.Int64ObservableGauge
	CircuitBreakerOpen     metric.Int64ObservableGauge

	// State for observable gauges
	mu          sync.RWMutex
	initialized bool
	signalsOpen int64
	targetsOpen int64
	cbOpenMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			cbOpenMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Orders accepted by an exchange"},
		{&m.OrdersFailedTotal, MetricOrdersFailedTotal, "Order placements that failed after retries"},
		{&m.DispatchBatchesTotal, MetricDispatchBatchesTotal, "Fan-out batches started"},
		{&m.AccountFailuresTotal, MetricAccountFailuresTotal, "Per-account task failures inside fan-out batches"},
		{&m.ReconcilePassesTotal, MetricReconcilePassesTotal, "Reconciliation passes by outcome"},
		{&m.NotificationsSentTotal, MetricNotificationsSentTotal, "Operator notifications delivered"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
	}

	m.ReconcileDuration, err = meter.Float64Histogram(MetricReconcileDuration, metric.WithDescription("Duration of a reconciliation pass"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.SignalsOpen, err = meter.Int64ObservableGauge(MetricSignalsOpen, metric.WithDescription("Signals waiting for their entry to fill"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.signalsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TargetsOpen, err = meter.Int64ObservableGauge(MetricTargetsOpen, metric.WithDescription("Take-profit targets still resting"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.targetsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state per account (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Helpers to update instruments

func (m *MetricsHolder) RecordOrderPlaced(ctx context.Context, account string, orderType string) {
	if !m.ready() {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("type", orderType),
	))
}

func (m *MetricsHolder) RecordOrderFailed(ctx context.Context, account string, orderType string) {
	if !m.ready() {
		return
	}
	m.OrdersFailedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("type", orderType),
	))
}

func (m *MetricsHolder) RecordBatch(ctx context.Context, op string, failures int) {
	if !m.ready() {
		return
	}
	m.DispatchBatchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	if failures > 0 {
		m.AccountFailuresTotal.Add(ctx, int64(failures), metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *MetricsHolder) RecordReconcilePass(ctx context.Context, outcome string, durationMs float64) {
	if !m.ready() {
		return
	}
	m.ReconcilePassesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.ReconcileDuration.Record(ctx, durationMs)
}

func (m *MetricsHolder) RecordExchangeLatency(ctx context.Context, account, op string, ms float64) {
	if !m.ready() {
		return
	}
	m.LatencyExchange.Record(ctx, ms, metric.WithAttributes(
		attribute.String("account", account),
		attribute.String("op", op),
	))
}

func (m *MetricsHolder) RecordNotification(ctx context.Context, channel string) {
	if !m.ready() {
		return
	}
	m.NotificationsSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenCounts(signals, targets int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signalsOpen = signals
	m.targetsOpen = targets
}

func (m *MetricsHolder) SetCircuitBreakerOpen(account string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[account] = val
}

func (m *MetricsHolder) GetOpenCounts() (signals, targets int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signalsOpen, m.targetsOpen
}

func (m *MetricsHolder) GetCircuitBreakerOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.cbOpenMap {
		res[k] = v
	}
	return res
}
