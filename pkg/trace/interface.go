// Package trace records per-operation stage timings and exports them as
// sanitized JSON Lines records.
package trace

import (
	"context"
	"time"
)

// Exporter writes finished operation records.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	Close() error
}

// TraceRecord is a sanitized operation trace ready for export.
// It carries identifiers, scores and timings only, never pattern content.
type TraceRecord struct {
	// Timestamp is the operation start time
	Timestamp time.Time `json:"timestamp"`

	// OperationID uniquely identifies this operation (for correlation)
	OperationID string `json:"operationId"`

	// Operation is the operation type: "validate", "check", "health", "recover", "sweep", "sample"
	Operation string `json:"operation"`

	// DurationMs is the total operation duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// Status is "success", "partial" or "error"
	Status string `json:"status"`

	// Spans contains per-stage timing and status
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the error when Status is "error"
	ErrorType string `json:"errorType,omitempty"`

	// IDs contains operation-specific identifiers (project, pattern, epoch)
	IDs map[string]interface{} `json:"ids,omitempty"`
}

// SpanRecord is a single stage within an operation.
type SpanRecord struct {
	// Name is the stage name: probe, score, flag, persist, repair, verify
	Name string `json:"name"`

	// DurationMs is the stage duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// OK reports whether the stage succeeded
	OK bool `json:"ok"`

	// ErrorType classifies the error when OK is false
	ErrorType string `json:"errorType,omitempty"`

	// Counters carries stage-specific counts (storesProbed, discrepancies, timeouts)
	Counters map[string]int64 `json:"counters,omitempty"`
}

type fileOptions struct {
	maxSizeBytes    int64
	maxRotatedFiles int
}

// FileExporterOption configures a FileExporter.
// Available in both tracing and non-tracing builds.
type FileExporterOption func(*fileOptions)

// WithMaxSize sets the maximum file size before rotation (default: 10MB).
func WithMaxSize(bytes int64) FileExporterOption {
	return func(o *fileOptions) {
		o.maxSizeBytes = bytes
	}
}

// WithMaxRotatedFiles sets how many rotated files to keep (default: 5).
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(o *fileOptions) {
		o.maxRotatedFiles = count
	}
}
