package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed collector and the no-op collector.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, store string, count int64)
	SetOpenDiscrepancies(ctx context.Context, reason string, count int)
	RecordRecovery(ctx context.Context, strategy string, success bool)
	SetHealth(ctx context.Context, projectID string, state float64)
	RecordDropped(ctx context.Context, priority string)
	SetQueueDepth(ctx context.Context, depth int)
}
