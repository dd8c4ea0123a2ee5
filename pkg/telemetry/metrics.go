package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricReconcilePassesTotal   = "trade_guard_reconcile_passes_total"
	MetricDiscrepanciesTotal     = "trade_guard_discrepancies_total"
	MetricCorrectiveActionsTotal = "trade_guard_corrective_actions_total"
	MetricMirrorSyncFailures     = "trade_guard_mirror_sync_failures_total"
	MetricOrdersPlacedTotal      = "trade_guard_orders_placed_total"
	MetricOrdersCanceledTotal    = "trade_guard_orders_canceled_total"
	MetricPassDuration           = "trade_guard_reconcile_pass_duration_ms"
	MetricLatencyExchange        = "trade_guard_latency_exchange_ms"
	MetricMonitorsActive         = "trade_guard_monitors_active"
	MetricPositionSize           = "trade_guard_position_size"
	MetricStopOrdersOpen         = "trade_guard_stop_orders_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ReconcilePassesTotal   metric.Int64Counter
	DiscrepanciesTotal     metric.Int64Counter
	CorrectiveActionsTotal metric.Int64Counter
	MirrorSyncFailures     metric.Int64Counter
	OrdersPlacedTotal      metric.Int64Counter
	OrdersCanceledTotal    metric.Int64Counter
	PassDuration           metric.Float64Histogram
	LatencyExchange        metric.Float64Histogram
	MonitorsActive         metric.Int64ObservableGauge
	PositionSize           metric.Float64ObservableGauge
	StopOrdersOpen         metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	monitorsActive  map[string]int64
	positionSizeMap map[string]float64
	stopOrdersMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			monitorsActive:  make(map[string]int64),
			positionSizeMap: make(map[string]float64),
			stopOrdersMap:   make(map[string]int64),
		}
		// Instruments are created in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ReconcilePassesTotal, err = meter.Int64Counter(MetricReconcilePassesTotal, metric.WithDescription("Total reconciliation passes run"))
	if err != nil {
		return err
	}

	m.DiscrepanciesTotal, err = meter.Int64Counter(MetricDiscrepanciesTotal, metric.WithDescription("Total discrepancies detected, by kind"))
	if err != nil {
		return err
	}

	m.CorrectiveActionsTotal, err = meter.Int64Counter(MetricCorrectiveActionsTotal, metric.WithDescription("Total corrective actions executed, by type"))
	if err != nil {
		return err
	}

	m.MirrorSyncFailures, err = meter.Int64Counter(MetricMirrorSyncFailures, metric.WithDescription("Total failed mirror-account sync attempts"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersCanceledTotal, err = meter.Int64Counter(MetricOrdersCanceledTotal, metric.WithDescription("Total orders canceled"))
	if err != nil {
		return err
	}

	m.PassDuration, err = meter.Float64Histogram(MetricPassDuration, metric.WithDescription("Duration of one reconciliation pass"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.MonitorsActive, err = meter.Int64ObservableGauge(MetricMonitorsActive, metric.WithDescription("Number of active monitor loops"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acct, val := range m.monitorsActive {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acct)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("position_key", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.StopOrdersOpen, err = meter.Int64ObservableGauge(MetricStopOrdersOpen, metric.WithDescription("Open stop orders per symbol/account"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.stopOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol_account", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetMonitorsActive(account string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorsActive[account] = count
}

func (m *MetricsHolder) SetPositionSize(positionKey string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[positionKey] = size
}

func (m *MetricsHolder) SetStopOrdersOpen(symbolAccount string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopOrdersMap[symbolAccount] = count
}
