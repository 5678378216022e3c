package integrity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestValidator(t *testing.T) (*Validator, map[pattern.StoreKind]*store.MemoryStore) {
	t.Helper()
	set, stores := store.NewMemorySet()
	return New(set, DefaultConfig()), stores
}

func seed(t *testing.T, stores map[pattern.StoreKind]*store.MemoryStore, id string, fields map[string]interface{}) *pattern.Pattern {
	t.Helper()
	ctx := context.Background()
	if fields == nil {
		fields = map[string]interface{}{"title": "Use SQLite", "rationale": "embedded"}
	}
	p := &pattern.Pattern{ID: id, ProjectID: "proj", Type: pattern.Decision, Content: "we chose sqlite", Fields: fields}
	require.NoError(t, stores[pattern.Relational].Put(ctx, p))
	for _, kind := range pattern.SecondaryStores() {
		require.NoError(t, stores[kind].Upsert(ctx, id, p.Payload()))
	}
	return p
}

func findComponent(r *pattern.IntegrityResult, name string) pattern.ComponentScore {
	for _, c := range r.Components {
		if c.Name == name {
			return c
		}
	}
	return pattern.ComponentScore{}
}

func TestValidate_ShallowIntact(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision})
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.IntegrityScore)
	assert.True(t, r.ChecksumMatch)
	assert.False(t, r.Partial)
	assert.False(t, r.Deep)
	assert.True(t, r.Passed())
	assert.Equal(t, "proj", r.ProjectID)
	assert.False(t, findComponent(r, ComponentFreshness).Evaluated, "shallow validation never evaluates freshness")
	assert.Empty(t, r.Snapshots)

	for _, kind := range pattern.SecondaryStores() {
		assert.Zero(t, stores[kind].SnapshotCalls(), "shallow validation reads only the system of record")
	}
}

func TestValidate_DeepAllAgree(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true, Epoch: 4})
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.IntegrityScore)
	assert.True(t, r.Passed())
	assert.Len(t, r.Snapshots, 3)
	assert.True(t, findComponent(r, ComponentFreshness).Evaluated)
	for _, s := range r.Snapshots {
		assert.Equal(t, uint64(4), s.Epoch)
	}
}

func TestValidate_DeepVectorMismatch(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	stores[pattern.Vector].SetChecksum("p1", "abc999")

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.False(t, r.ChecksumMatch)
	assert.Less(t, r.IntegrityScore, 95.0)
	assert.InDelta(t, 85.0, r.IntegrityScore, 1e-6)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, pattern.Vector, r.Discrepancies[0].Store)
	assert.Equal(t, pattern.ReasonChecksumMismatch, r.Discrepancies[0].Reason)
	assert.Equal(t, pattern.SeverityHigh, r.Discrepancies[0].Severity)
}

func TestValidate_MismatchNeverReachesPassing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChecksumWeight, cfg.ShapeWeight, cfg.FreshnessWeight = 0.05, 0.90, 0.05
	set, stores := store.NewMemorySet()
	v := New(set, cfg)
	seed(t, stores, "p1", nil)
	stores[pattern.Cache].SetChecksum("p1", "abc999")

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.False(t, r.ChecksumMatch)
	assert.Equal(t, 94.0, r.IntegrityScore)
}

func TestValidate_DeepStaleVector(t *testing.T) {
	v, stores := setupTestValidator(t)
	p := seed(t, stores, "p1", nil)
	stores[pattern.Vector].SetChecksum("p1", "old")
	stores[pattern.Vector].SetLastWrite("p1", p.UpdatedAt.Add(-time.Hour))

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, pattern.ReasonStale, r.Discrepancies[0].Reason)
	assert.Equal(t, pattern.SeverityMedium, r.Discrepancies[0].Severity)

	fresh := findComponent(r, ComponentFreshness)
	assert.True(t, fresh.Evaluated)
	assert.InDelta(t, 2.0/3.0, fresh.Score, 1e-9)
}

func TestValidate_OldWriteWithMatchingChecksumIsFresh(t *testing.T) {
	v, stores := setupTestValidator(t)
	p := seed(t, stores, "p1", nil)
	stores[pattern.Graph].SetLastWrite("p1", p.UpdatedAt.Add(-24*time.Hour))

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.Empty(t, r.Discrepancies)
	assert.Equal(t, 1.0, findComponent(r, ComponentFreshness).Score)
	assert.Equal(t, 100.0, r.IntegrityScore)
}

func TestValidate_MissingInCache(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	stores[pattern.Cache].Delete("p1")

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, pattern.ReasonMissing, r.Discrepancies[0].Reason)
	assert.Equal(t, pattern.SeverityLow, r.Discrepancies[0].Severity)
	assert.InDelta(t, 85.0, r.IntegrityScore, 1e-6)
}

func TestValidate_TamperedSystemOfRecord(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	stores[pattern.Relational].SetContent("p1", "tampered")

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision})
	require.NoError(t, err)
	assert.False(t, r.ChecksumMatch)
	assert.InDelta(t, 0.25/0.85*100, r.IntegrityScore, 1e-6)
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, pattern.Relational, r.Discrepancies[0].Store)
	assert.Equal(t, pattern.ReasonChecksumMismatch, r.Discrepancies[0].Reason)
}

func TestValidate_ShapeMissingField(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", map[string]interface{}{"title": "only a title"})

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision})
	require.NoError(t, err)
	assert.True(t, r.ChecksumMatch)
	assert.Equal(t, 0.5, findComponent(r, ComponentShape).Score)
	assert.InDelta(t, (0.60+0.25*0.5)/0.85*100, r.IntegrityScore, 1e-6)
}

func TestValidate_TypeMismatchZeroesShape(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.CodeChange})
	require.NoError(t, err)
	assert.Equal(t, 0.0, findComponent(r, ComponentShape).Score)
}

func TestValidate_Errors(t *testing.T) {
	v, _ := setupTestValidator(t)

	_, err := v.Validate(context.Background(), Request{PatternID: "ghost", Type: pattern.Decision})
	assert.ErrorIs(t, err, pattern.ErrNotFound)

	_, err = v.Validate(context.Background(), Request{PatternID: "p1", Type: "poem"})
	assert.ErrorIs(t, err, pattern.ErrUnknownPatternType)
}

func TestValidate_AllStoresTimeOut(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p2", nil)
	for _, m := range stores {
		m.SetDelay(time.Second)
	}

	start := time.Now()
	r, err := v.Validate(context.Background(), Request{PatternID: "p2", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, r.Partial)
	assert.Equal(t, 0.0, r.IntegrityScore, "never silently scores 100")
	assert.False(t, r.ChecksumMatch)
	assert.ElementsMatch(t, pattern.AllStores(), r.Unavailable)
	for _, c := range r.Components {
		assert.False(t, c.Evaluated)
	}
	for _, d := range r.Discrepancies {
		assert.Equal(t, pattern.ReasonTimeout, d.Reason)
	}
}

func TestValidate_OneStoreTimesOut(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	stores[pattern.Graph].SetDelay(time.Second)

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.True(t, r.Partial)
	assert.Equal(t, []pattern.StoreKind{pattern.Graph}, r.Unavailable)
	assert.True(t, r.ChecksumMatch, "reachable stores agree")
	assert.False(t, r.Passed())
	require.Len(t, r.Discrepancies, 1)
	assert.Equal(t, pattern.ReasonTimeout, r.Discrepancies[0].Reason)
}

func TestValidate_Cancellation(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	for _, m := range stores {
		m.Block()
	}
	defer func() {
		for _, m := range stores {
			m.Release()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	r, err := v.Validate(ctx, Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, r, "aborted probes are never scored")
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestValidate_DeadlineStillScores(t *testing.T) {
	set, stores := store.NewMemorySet()
	cfg := DefaultConfig()
	cfg.Deadline = 20 * time.Millisecond
	v := New(set, cfg)
	seed(t, stores, "p1", nil)
	stores[pattern.Vector].Block()
	defer stores[pattern.Vector].Release()

	r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.True(t, r.Partial)
	assert.Equal(t, []pattern.StoreKind{pattern.Vector}, r.Unavailable)
}

func TestValidate_Idempotent(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	stores[pattern.Vector].SetChecksum("p1", "abc999")

	a, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	b, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.Equal(t, a.IntegrityScore, b.IntegrityScore)
	assert.Equal(t, a.ChecksumMatch, b.ChecksumMatch)
}

func TestValidate_ScoreBounds(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", map[string]interface{}{})
	stores[pattern.Relational].SetContent("p1", "tampered")
	stores[pattern.Graph].Delete("p1")
	stores[pattern.Vector].SetChecksum("p1", "x")
	stores[pattern.Cache].Delete("p1")

	for _, deep := range []bool{false, true} {
		r, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: deep})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.IntegrityScore, 0.0)
		assert.LessOrEqual(t, r.IntegrityScore, 100.0)
	}
}

func TestValidate_ShallowLatency(t *testing.T) {
	v, stores := setupTestValidator(t)
	for i := 0; i < 50; i++ {
		seed(t, stores, string(rune('a'+i%26))+string(rune('a'+i/26)), nil)
	}
	stores[pattern.Relational].SetDelay(2 * time.Millisecond)

	ids, err := stores[pattern.Relational].ListPatterns(context.Background(), store.ListOptions{ProjectID: "proj"})
	require.NoError(t, err)

	var mu sync.Mutex
	var durations []time.Duration
	var wg sync.WaitGroup
	for _, p := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			start := time.Now()
			_, err := v.Validate(context.Background(), Request{PatternID: id, Type: pattern.Decision})
			assert.NoError(t, err)
			mu.Lock()
			durations = append(durations, time.Since(start))
			mu.Unlock()
		}(p.ID)
	}
	wg.Wait()

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	p95 := durations[len(durations)*95/100]
	assert.Less(t, p95, 100*time.Millisecond)
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

func (h *captureHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func TestValidate_Logging(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	stores[pattern.Cache].SetDelay(time.Second)

	h := &captureHandler{}
	assert.Same(t, v, v.WithLogger(slog.New(h)))

	_, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	require.NoError(t, err)
	assert.Contains(t, h.messages(), "pattern validated")
	assert.Contains(t, h.messages(), "store probe timed out")
}

func TestValidate_NilLoggerSafe(t *testing.T) {
	v, stores := setupTestValidator(t)
	seed(t, stores, "p1", nil)
	v.WithLogger(nil).WithMetrics(nil).WithExporter(nil)

	_, err := v.Validate(context.Background(), Request{PatternID: "p1", Type: pattern.Decision, Deep: true})
	assert.NoError(t, err)
}
