package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for patternguard operations
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	openDiscrepancies *prometheus.GaugeVec
	recoveriesTotal   *prometheus.CounterVec
	healthState       *prometheus.GaugeVec
	droppedTotal      *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	registry          *prometheus.Registry
}

// Compile-time interface check
var _ Collector = (*MetricsCollector)(nil)

// NewCollector creates a new Prometheus metrics collector on a private registry
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	m := &MetricsCollector{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternguard_operations_total",
				Help: "Total number of validation operations by type and status",
			},
			[]string{"operation", "status"},
		),
		// Buckets are tuned to the engine's sub-second latency budgets.
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patternguard_operation_duration_seconds",
				Help:    "Duration of validation operations by type and stage",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1.0, 5.0},
			},
			[]string{"operation", "stage"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternguard_errors_total",
				Help: "Total number of errors by operation and error type",
			},
			[]string{"operation", "error_type"},
		),
		storageCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "patternguard_storage_count",
				Help: "Current count of patterns held by each store",
			},
			[]string{"store"},
		),
		openDiscrepancies: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "patternguard_open_discrepancies",
				Help: "Open discrepancies by reason",
			},
			[]string{"reason"},
		),
		recoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternguard_recovery_attempts_total",
				Help: "Recovery attempts by strategy and outcome",
			},
			[]string{"strategy", "success"},
		),
		healthState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "patternguard_health_state",
				Help: "Project health: 0 unknown, 1 healthy, 2 degraded, 3 critical",
			},
			[]string{"project"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternguard_dropped_requests_total",
				Help: "Validation requests dropped because the queue was full",
			},
			[]string{"priority"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "patternguard_queue_depth",
				Help: "Validation jobs waiting for a worker",
			},
		),
		registry: registry,
	}

	registry.MustRegister(m.operationsTotal)
	registry.MustRegister(m.operationDuration)
	registry.MustRegister(m.errorsTotal)
	registry.MustRegister(m.storageCount)
	registry.MustRegister(m.openDiscrepancies)
	registry.MustRegister(m.recoveriesTotal)
	registry.MustRegister(m.healthState)
	registry.MustRegister(m.droppedTotal)
	registry.MustRegister(m.queueDepth)

	return m
}

// RecordOperation records the completion of an operation
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation, "total").Observe(float64(durationMs) / 1000.0)
}

// RecordStage records the duration of a specific stage within an operation
func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the current pattern count of a store
func (m *MetricsCollector) SetStorageCount(ctx context.Context, store string, count int64) {
	m.storageCount.WithLabelValues(store).Set(float64(count))
}

// SetOpenDiscrepancies sets the number of open discrepancies for a reason
func (m *MetricsCollector) SetOpenDiscrepancies(ctx context.Context, reason string, count int) {
	m.openDiscrepancies.WithLabelValues(reason).Set(float64(count))
}

// RecordRecovery records a completed recovery attempt
func (m *MetricsCollector) RecordRecovery(ctx context.Context, strategy string, success bool) {
	m.recoveriesTotal.WithLabelValues(strategy, strconv.FormatBool(success)).Inc()
}

// SetHealth sets a project's health gauge
func (m *MetricsCollector) SetHealth(ctx context.Context, projectID string, state float64) {
	m.healthState.WithLabelValues(projectID).Set(state)
}

// RecordDropped records a request dropped under backpressure
func (m *MetricsCollector) RecordDropped(ctx context.Context, priority string) {
	m.droppedTotal.WithLabelValues(priority).Inc()
}

// SetQueueDepth sets the current queue depth
func (m *MetricsCollector) SetQueueDepth(ctx context.Context, depth int) {
	m.queueDepth.Set(float64(depth))
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
