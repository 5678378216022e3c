package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCollector_RecordOperation(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordOperation(ctx, "validate", "success", 10)
	collector.RecordOperation(ctx, "validate", "success", 15)
	collector.RecordOperation(ctx, "validate", "error", 5)
	collector.RecordOperation(ctx, "check", "partial", 90)

	if got := testutil.CollectAndCount(collector.operationsTotal); got != 3 {
		t.Errorf("expected 3 metric series (validate/success, validate/error, check/partial), got %d", got)
	}

	if got := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("validate", "success")); got != 2 {
		t.Errorf("expected 2 validate/success operations, got %f", got)
	}
	if got := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("check", "partial")); got != 1 {
		t.Errorf("expected 1 check/partial operation, got %f", got)
	}
}

func TestMetricsCollector_RecordStage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordStage(ctx, "check", "probe", 40)
	collector.RecordStage(ctx, "check", "flag", 2)
	collector.RecordStage(ctx, "check", "flag", 3)

	if got := testutil.CollectAndCount(collector.operationDuration); got != 2 {
		t.Errorf("expected 2 histogram series, got %d", got)
	}
}

func TestMetricsCollector_RecordError(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordError(ctx, "validate", "not_found")
	collector.RecordError(ctx, "validate", "not_found")
	collector.RecordError(ctx, "recover", "recovery")

	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("validate", "not_found")); got != 2 {
		t.Errorf("expected 2 not_found errors, got %f", got)
	}
	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("recover", "recovery")); got != 1 {
		t.Errorf("expected 1 recovery error, got %f", got)
	}
}

func TestMetricsCollector_Gauges(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.SetStorageCount(ctx, "vector", 42)
	collector.SetStorageCount(ctx, "vector", 50)
	if got := testutil.ToFloat64(collector.storageCount.WithLabelValues("vector")); got != 50 {
		t.Errorf("expected 50 vector patterns after update, got %f", got)
	}

	collector.SetOpenDiscrepancies(ctx, "missing", 3)
	if got := testutil.ToFloat64(collector.openDiscrepancies.WithLabelValues("missing")); got != 3 {
		t.Errorf("expected 3 open missing discrepancies, got %f", got)
	}

	collector.SetHealth(ctx, "proj", 3)
	if got := testutil.ToFloat64(collector.healthState.WithLabelValues("proj")); got != 3 {
		t.Errorf("expected critical health gauge, got %f", got)
	}

	collector.SetQueueDepth(ctx, 7)
	if got := testutil.ToFloat64(collector.queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}
}

func TestMetricsCollector_Counters(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordRecovery(ctx, "reindex", true)
	collector.RecordRecovery(ctx, "reindex", false)
	collector.RecordRecovery(ctx, "reindex", true)
	if got := testutil.ToFloat64(collector.recoveriesTotal.WithLabelValues("reindex", "true")); got != 2 {
		t.Errorf("expected 2 successful reindexes, got %f", got)
	}

	collector.RecordDropped(ctx, "shallow")
	if got := testutil.ToFloat64(collector.droppedTotal.WithLabelValues("shallow")); got != 1 {
		t.Errorf("expected 1 dropped shallow request, got %f", got)
	}
}

func TestMetricsCollector_Registry(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordOperation(ctx, "test", "success", 100)
	collector.RecordError(ctx, "test", "error1")
	collector.SetStorageCount(ctx, "cache", 10)
	collector.SetOpenDiscrepancies(ctx, "stale", 1)
	collector.RecordRecovery(ctx, "resync_from_system_of_record", true)
	collector.SetHealth(ctx, "proj", 1)
	collector.RecordDropped(ctx, "shallow")
	collector.SetQueueDepth(ctx, 0)

	metricFamilies, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedFamilies := 9
	if len(metricFamilies) != expectedFamilies {
		t.Errorf("expected %d metric families, got %d", expectedFamilies, len(metricFamilies))
	}
}

// TestMetricsCollector_NoPayloadLeakage verifies labels carry identifiers, never content
func TestMetricsCollector_NoPayloadLeakage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordOperation(ctx, "validate", "success", 10)
	collector.RecordStage(ctx, "validate", "probe", 5)
	collector.RecordError(ctx, "validate", "timeout")

	metricFamilies, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	forbiddenTerms := []string{"content", "fields", "rationale", "messages", "diff"}
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				for _, term := range forbiddenTerms {
					if label.GetValue() == term {
						t.Errorf("found forbidden term %q in metric label", term)
					}
				}
			}
		}
	}
}

func TestNoopCollector(t *testing.T) {
	var c Collector = NewNoopCollector()
	ctx := context.Background()
	c.RecordOperation(ctx, "validate", "success", 1)
	c.RecordStage(ctx, "validate", "probe", 1)
	c.RecordError(ctx, "validate", "timeout")
	c.SetStorageCount(ctx, "graph", 1)
	c.SetOpenDiscrepancies(ctx, "missing", 1)
	c.RecordRecovery(ctx, "quarantine", false)
	c.SetHealth(ctx, "proj", 2)
	c.RecordDropped(ctx, "shallow")
	c.SetQueueDepth(ctx, 1)
}
