package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testDiscrepancy(patternID string, st pattern.StoreKind, reason pattern.DiscrepancyReason) pattern.Discrepancy {
	p := &pattern.Pattern{ID: patternID, ProjectID: "proj", Type: pattern.Decision}
	return pattern.NewDiscrepancy(p, pattern.StoreSnapshot{Store: st, Exists: true, Checksum: "abc999"}, reason, "abc123", 1)
}

func TestIntegrityLog(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_, err := l.LatestIntegrity(ctx, "p1")
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	now := time.Now()
	require.NoError(t, l.RecordIntegrity(ctx, &pattern.IntegrityResult{PatternID: "p1", ProjectID: "proj", IntegrityScore: 80, Epoch: 1, ValidatedAt: now}))
	require.NoError(t, l.RecordIntegrity(ctx, &pattern.IntegrityResult{PatternID: "p1", ProjectID: "proj", IntegrityScore: 100, ChecksumMatch: true, Epoch: 2, ValidatedAt: now}))

	latest, err := l.LatestIntegrity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Epoch)
	assert.True(t, latest.ChecksumMatch)

	avg, n, err := l.IntegrityTrend(ctx, "proj", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.InDelta(t, 90, avg, 1e-9)
}

func TestConsistencyLog(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_, err := l.LatestConsistency(ctx, "proj")
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	now := time.Now()
	require.NoError(t, l.RecordConsistency(ctx, &pattern.ConsistencyReport{ID: "r1", ProjectID: "proj", ConsistencyScore: 50, CheckedAt: now}))
	require.NoError(t, l.RecordConsistency(ctx, &pattern.ConsistencyReport{ID: "r2", ProjectID: "proj", ConsistencyScore: 100, CheckedAt: now}))

	latest, err := l.LatestConsistency(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.ID, "same-instant reports are ordered by insertion")
}

func TestFlagDeduplicatesOpenDiscrepancies(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	d := testDiscrepancy("p1", pattern.Vector, pattern.ReasonChecksumMismatch)
	first, err := l.Flag(ctx, []pattern.Discrepancy{d})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NotEmpty(t, first[0].ID)

	again, err := l.Flag(ctx, []pattern.Discrepancy{d})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, again[0].ID)

	open, err := l.Open(ctx, DiscrepancyFilter{ProjectID: "proj"})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestFlagSkipsTransient(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	out, err := l.Flag(ctx, []pattern.Discrepancy{testDiscrepancy("p1", pattern.Graph, pattern.ReasonTimeout)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Empty(t, out[0].ID)

	open, err := l.Open(ctx, DiscrepancyFilter{})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveAndReopen(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	d := testDiscrepancy("p1", pattern.Graph, pattern.ReasonMissing)
	flagged, err := l.Flag(ctx, []pattern.Discrepancy{d})
	require.NoError(t, err)

	n, err := l.Resolve(ctx, "p1", pattern.Graph)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := l.GetDiscrepancy(ctx, flagged[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, rec.Status)
	assert.False(t, rec.ResolvedAt.IsZero())

	_, err = l.OpenFor(ctx, d)
	assert.ErrorIs(t, err, pattern.ErrUnknownDiscrepancy)

	// A new detection after resolution opens a fresh record.
	reopened, err := l.Flag(ctx, []pattern.Discrepancy{d})
	require.NoError(t, err)
	assert.NotEqual(t, flagged[0].ID, reopened[0].ID)

	rec, err = l.OpenFor(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, reopened[0].ID, rec.ID)
}

func TestGetDiscrepancyUnknown(t *testing.T) {
	l := setupTestLedger(t)
	_, err := l.GetDiscrepancy(context.Background(), "01NOPE")
	assert.ErrorIs(t, err, pattern.ErrUnknownDiscrepancy)
}

func TestEscalateAndOrdering(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_, err := l.Flag(ctx, []pattern.Discrepancy{
		testDiscrepancy("p1", pattern.Cache, pattern.ReasonMissing),
		testDiscrepancy("p2", pattern.Vector, pattern.ReasonChecksumMismatch),
	})
	require.NoError(t, err)

	open, err := l.Open(ctx, DiscrepancyFilter{ProjectID: "proj"})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "p2", open[0].PatternID, "high severity first")

	n, err := l.Escalate(ctx, "p1", pattern.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p1, err := l.Open(ctx, DiscrepancyFilter{PatternID: "p1"})
	require.NoError(t, err)
	require.Len(t, p1, 1)
	assert.Equal(t, pattern.SeverityHigh, p1[0].Severity)

	// Re-flagging at the default severity does not lower an escalated record.
	out, err := l.Flag(ctx, []pattern.Discrepancy{testDiscrepancy("p1", pattern.Cache, pattern.ReasonMissing)})
	require.NoError(t, err)
	assert.Equal(t, pattern.SeverityHigh, out[0].Severity)

	counts, err := l.OpenCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[pattern.ReasonMissing])
	assert.Equal(t, 1, counts[pattern.ReasonChecksumMismatch])

	projects, err := l.OpenProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj"}, projects)

	resolved, err := l.ResolvePattern(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), resolved)
}

func TestHealthStatus(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_, err := l.GetHealth(ctx, "proj")
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	now := time.Now()
	require.NoError(t, l.SaveHealth(ctx, pattern.HealthStatus{ProjectID: "proj", OverallHealth: pattern.HealthDegraded, ConsistencyScore: 97, LastCheckedAt: now, Reason: "open discrepancies"}))
	require.NoError(t, l.SaveHealth(ctx, pattern.HealthStatus{ProjectID: "proj", OverallHealth: pattern.HealthHealthy, ConsistencyScore: 100, LastCheckedAt: now}))

	h, err := l.GetHealth(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, pattern.HealthHealthy, h.OverallHealth)
	assert.Equal(t, 100.0, h.ConsistencyScore)
	assert.WithinDuration(t, now, h.LastCheckedAt, time.Second)
}

func TestConsecutiveFailures(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	record := func(id string, success bool) {
		now := time.Now()
		require.NoError(t, l.RecordAttempt(ctx, pattern.RecoveryAttempt{
			ID: id, DiscrepancyID: "d", PatternID: "p1", ProjectID: "proj", Store: pattern.Vector,
			Strategy: pattern.StrategyResync, Success: success, StartedAt: now, CompletedAt: now,
		}))
	}

	n, err := l.ConsecutiveFailures(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	record("a1", false)
	record("a2", true)
	record("a3", false)
	record("a4", false)

	n, err = l.ConsecutiveFailures(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	attempts, err := l.Attempts(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	assert.Equal(t, "a4", attempts[0].ID)
	assert.Equal(t, pattern.StrategyResync, attempts[0].Strategy)
}

func TestCheckpoints(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	_, err := l.GetCheckpoint(ctx, "a1")
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	cp := pattern.Checkpoint{
		AttemptID:   "a1",
		Strategy:    pattern.StrategyResync,
		Discrepancy: testDiscrepancy("p1", pattern.Vector, pattern.ReasonChecksumMismatch),
		Target:      pattern.StoreSnapshot{Store: pattern.Vector, Exists: true, Checksum: "abc999"},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, l.SaveCheckpoint(ctx, cp))

	got, err := l.GetCheckpoint(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "abc999", got.Target.Checksum)
	assert.Equal(t, pattern.SeverityHigh, got.Discrepancy.Severity)
}

func TestQuarantine(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Quarantine(ctx, QuarantineRecord{PatternID: "p1", ProjectID: "proj", Reason: "corrupt"}))
	ok, err := l.IsQuarantined(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := l.Quarantined(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "corrupt", list[0].Reason)

	require.NoError(t, l.ClearQuarantine(ctx, "p1"))
	assert.ErrorIs(t, l.ClearQuarantine(ctx, "p1"), pattern.ErrNotFound)
}
