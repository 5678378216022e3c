package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dan-solli/patternguard/pkg/ledger"
	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMonitor(t *testing.T) (*Monitor, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return New(l, DefaultConfig()), l
}

func discrepancy(patternID string, st pattern.StoreKind, reason pattern.DiscrepancyReason) pattern.Discrepancy {
	p := &pattern.Pattern{ID: patternID, ProjectID: "proj", Type: pattern.Decision}
	return pattern.NewDiscrepancy(p, pattern.StoreSnapshot{Store: st, Exists: true}, reason, "abc123", 1)
}

func report(score float64) *pattern.ConsistencyReport {
	return &pattern.ConsistencyReport{ID: uuid.NewString(), ProjectID: "proj", ConsistencyScore: score, CheckedAt: time.Now()}
}

func TestEvaluate(t *testing.T) {
	high := discrepancy("p1", pattern.Vector, pattern.ReasonChecksumMismatch)
	medium := discrepancy("p1", pattern.Vector, pattern.ReasonStale)
	low := discrepancy("p1", pattern.Cache, pattern.ReasonMissing)

	tests := []struct {
		name string
		in   Inputs
		want pattern.HealthState
	}{
		{"no data", Inputs{}, pattern.HealthUnknown},
		{"perfect", Inputs{HasScore: true, Score: 100}, pattern.HealthHealthy},
		{"at threshold", Inputs{HasScore: true, Score: 99}, pattern.HealthHealthy},
		{"slightly low", Inputs{HasScore: true, Score: 97}, pattern.HealthDegraded},
		{"low score without high discrepancy", Inputs{HasScore: true, Score: 60}, pattern.HealthDegraded},
		{"open low", Inputs{HasScore: true, Score: 100, Open: []pattern.Discrepancy{low}}, pattern.HealthDegraded},
		{"open medium", Inputs{HasScore: true, Score: 100, Open: []pattern.Discrepancy{medium}}, pattern.HealthDegraded},
		{"open high", Inputs{HasScore: true, Score: 100, Open: []pattern.Discrepancy{low, high}}, pattern.HealthCritical},
		{"open high without score", Inputs{Open: []pattern.Discrepancy{high}}, pattern.HealthCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := Evaluate(tt.in, 99)
			assert.Equal(t, tt.want, got)
			if got != pattern.HealthHealthy {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestMonitor_UnknownWithoutData(t *testing.T) {
	m, _ := setupTestMonitor(t)

	status := m.Monitor(context.Background(), "never-seen")
	assert.Equal(t, pattern.HealthUnknown, status.OverallHealth)
	assert.Equal(t, "never-seen", status.ProjectID)
}

func TestMonitor_UnknownWhenLedgerFails(t *testing.T) {
	m, l := setupTestMonitor(t)
	require.NoError(t, l.Close())

	status := m.Monitor(context.Background(), "proj")
	assert.Equal(t, pattern.HealthUnknown, status.OverallHealth)
}

func TestObserve_Transitions(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, l.RecordConsistency(ctx, report(100)))
	status, err := m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthHealthy, status.OverallHealth)

	// Drift detected.
	require.NoError(t, l.RecordConsistency(ctx, report(66.67)))
	_, err = l.Flag(ctx, []pattern.Discrepancy{discrepancy("p1", pattern.Vector, pattern.ReasonChecksumMismatch)})
	require.NoError(t, err)
	status, err = m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthCritical, status.OverallHealth)
	require.Len(t, status.OpenDiscrepancies, 1)
	assert.Equal(t, pattern.HealthCritical, m.Monitor(ctx, "proj").OverallHealth)

	// Reads never move the state on their own.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, pattern.HealthCritical, m.Monitor(ctx, "proj").OverallHealth)

	// A resolved discrepancy plus a passing check restores health.
	_, err = l.Resolve(ctx, "p1", pattern.Vector)
	require.NoError(t, err)
	require.NoError(t, l.RecordConsistency(ctx, report(100)))
	status, err = m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthHealthy, status.OverallHealth)
	assert.Empty(t, status.OpenDiscrepancies)
}

func TestObserve_DegradedOnLowSeverity(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, l.RecordConsistency(ctx, report(100)))
	_, err := l.Flag(ctx, []pattern.Discrepancy{discrepancy("p1", pattern.Cache, pattern.ReasonMissing)})
	require.NoError(t, err)

	status, err := m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthDegraded, status.OverallHealth)

	// Escalation after repeated recovery failures makes it critical.
	_, err = l.Escalate(ctx, "p1", pattern.SeverityHigh)
	require.NoError(t, err)
	status, err = m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthCritical, status.OverallHealth)
}

func TestObserve_FallsBackToIntegrityTrend(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, l.RecordIntegrity(ctx, &pattern.IntegrityResult{PatternID: "p1", ProjectID: "proj", IntegrityScore: 90, ValidatedAt: time.Now()}))
	status, err := m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthDegraded, status.OverallHealth)
	assert.Equal(t, 90.0, status.ConsistencyScore)
}

func TestMonitor_ReadsPersistedStatus(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, l.RecordConsistency(ctx, report(100)))
	_, err := l.Flag(ctx, []pattern.Discrepancy{discrepancy("p1", pattern.Graph, pattern.ReasonMissing)})
	require.NoError(t, err)
	_, err = m.Observe(ctx, "proj")
	require.NoError(t, err)

	fresh := New(l, DefaultConfig())
	status := fresh.Monitor(ctx, "proj")
	assert.Equal(t, pattern.HealthCritical, status.OverallHealth)
	assert.Len(t, status.OpenDiscrepancies, 1)

	m.Forget("proj")
	assert.Equal(t, pattern.HealthCritical, m.Monitor(ctx, "proj").OverallHealth)
}

func TestRefresh(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()

	calls := 0
	m.WithRefresher(func(ctx context.Context, projectID string) error {
		calls++
		if err := l.RecordConsistency(ctx, report(100)); err != nil {
			return err
		}
		_, err := m.Observe(ctx, projectID)
		return err
	})

	status, err := m.Refresh(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, pattern.HealthHealthy, status.OverallHealth)

	boom := errors.New("boom")
	m.WithRefresher(func(ctx context.Context, projectID string) error { return boom })
	status, err = m.Refresh(ctx, "proj")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, pattern.HealthHealthy, status.OverallHealth, "the previous status is kept")
}

func TestRefresh_WithoutRefresher(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()
	require.NoError(t, l.RecordConsistency(ctx, report(98)))

	status, err := m.Refresh(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthDegraded, status.OverallHealth)
}

type healthRecorder struct {
	metrics.NoopCollector
	mu     sync.Mutex
	states map[string]float64
}

func (h *healthRecorder) SetHealth(ctx context.Context, projectID string, state float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states == nil {
		h.states = make(map[string]float64)
	}
	h.states[projectID] = state
}

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(_ string) slog.Handler      { return h }

func TestObserve_MetricsAndLogs(t *testing.T) {
	m, l := setupTestMonitor(t)
	ctx := context.Background()
	rec := &healthRecorder{}
	h := &captureHandler{}
	m.WithMetrics(rec).WithLogger(slog.New(h))

	_, err := l.Flag(ctx, []pattern.Discrepancy{discrepancy("p1", pattern.Vector, pattern.ReasonChecksumMismatch)})
	require.NoError(t, err)
	_, err = m.Observe(ctx, "proj")
	require.NoError(t, err)

	assert.Equal(t, 3.0, rec.states["proj"])
	require.Len(t, h.records, 1)
	assert.Equal(t, "health changed", h.records[0].Message)
	assert.Equal(t, slog.LevelWarn, h.records[0].Level)

	// No transition, no log line.
	_, err = m.Observe(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, h.records, 1)
}
