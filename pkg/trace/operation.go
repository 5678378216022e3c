package trace

import (
	"context"
	"sync"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/google/uuid"
)

// Operation statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Operation accumulates the spans of one engine operation.
// A nil *Operation is valid and records nothing.
type Operation struct {
	mu     sync.Mutex
	record TraceRecord
	start  time.Time
}

// Start begins a traced operation with a fresh operation ID.
func Start(operation string, ids map[string]interface{}) *Operation {
	now := time.Now()
	return &Operation{
		start: now,
		record: TraceRecord{
			Timestamp:   now,
			OperationID: uuid.NewString(),
			Operation:   operation,
			Spans:       make([]SpanRecord, 0, 4),
			IDs:         ids,
		},
	}
}

// ID returns the operation ID.
func (o *Operation) ID() string {
	if o == nil {
		return ""
	}
	return o.record.OperationID
}

// SetID attaches an identifier to the record.
func (o *Operation) SetID(key string, value interface{}) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.IDs == nil {
		o.record.IDs = make(map[string]interface{})
	}
	o.record.IDs[key] = value
}

// SpanTimer measures one stage.
type SpanTimer struct {
	name  string
	start time.Time
	op    *Operation
}

// Span starts timing a named stage.
func (o *Operation) Span(name string) *SpanTimer {
	return &SpanTimer{name: name, start: time.Now(), op: o}
}

// Finish records the span and returns its duration in milliseconds.
func (st *SpanTimer) Finish(err error, counters map[string]int64) int64 {
	d := time.Since(st.start).Milliseconds()
	if st.op == nil {
		return d
	}
	span := SpanRecord{
		Name:       st.name,
		DurationMs: d,
		OK:         err == nil,
		Counters:   counters,
	}
	if err != nil {
		span.ErrorType = pattern.ClassifyError(err)
	}
	st.op.mu.Lock()
	st.op.record.Spans = append(st.op.record.Spans, span)
	st.op.mu.Unlock()
	return d
}

// Finish closes the operation with a status derived from err and partial, and
// returns the finished record.
func (o *Operation) Finish(err error, partial bool) *TraceRecord {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.record.DurationMs = time.Since(o.start).Milliseconds()
	switch {
	case err != nil:
		o.record.Status = StatusError
		o.record.ErrorType = pattern.ClassifyError(err)
	case partial:
		o.record.Status = StatusPartial
	default:
		o.record.Status = StatusSuccess
	}

	rec := o.record
	rec.Spans = append([]SpanRecord(nil), o.record.Spans...)
	return &rec
}

// Export finishes the operation and hands the record to exp. Export errors are
// returned for logging; they never fail the traced operation.
func (o *Operation) Export(ctx context.Context, exp Exporter, err error, partial bool) (*TraceRecord, error) {
	rec := o.Finish(err, partial)
	if exp == nil || rec == nil {
		return rec, nil
	}
	return rec, exp.Export(ctx, rec)
}
