package metrics

import "context"

// NoopCollector discards every observation. Components default to it when no
// collector is configured.
type NoopCollector struct{}

// Compile-time interface check
var _ Collector = (*NoopCollector)(nil)

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordOperation does nothing
func (n *NoopCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
}

// RecordStage does nothing
func (n *NoopCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
}

// RecordError does nothing
func (n *NoopCollector) RecordError(ctx context.Context, operation string, errorType string) {}

// SetStorageCount does nothing
func (n *NoopCollector) SetStorageCount(ctx context.Context, store string, count int64) {}

// SetOpenDiscrepancies does nothing
func (n *NoopCollector) SetOpenDiscrepancies(ctx context.Context, reason string, count int) {}

// RecordRecovery does nothing
func (n *NoopCollector) RecordRecovery(ctx context.Context, strategy string, success bool) {}

// SetHealth does nothing
func (n *NoopCollector) SetHealth(ctx context.Context, projectID string, state float64) {}

// RecordDropped does nothing
func (n *NoopCollector) RecordDropped(ctx context.Context, priority string) {}

// SetQueueDepth does nothing
func (n *NoopCollector) SetQueueDepth(ctx context.Context, depth int) {}
