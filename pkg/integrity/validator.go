// Package integrity validates a single pattern's content and its replicas.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/dan-solli/patternguard/pkg/trace"
)

// Component names.
const (
	ComponentChecksum  = "checksum"
	ComponentShape     = "shape"
	ComponentFreshness = "freshness"
)

// maxMismatchScore caps the score of a pattern with any checksum mismatch below passing.
const maxMismatchScore = 94.0

// Config tunes scoring and timeouts.
type Config struct {
	ChecksumWeight      float64
	ShapeWeight         float64
	FreshnessWeight     float64
	StalenessWindow     time.Duration
	ShallowStoreTimeout time.Duration
	DeepStoreTimeout    time.Duration
	Deadline            time.Duration // aggregate bound on one Validate call
}

// DefaultConfig returns the default weights and timeouts.
func DefaultConfig() Config {
	return Config{
		ChecksumWeight:      0.60,
		ShapeWeight:         0.25,
		FreshnessWeight:     0.15,
		StalenessWindow:     5 * time.Minute,
		ShallowStoreTimeout: 50 * time.Millisecond,
		DeepStoreTimeout:    200 * time.Millisecond,
		Deadline:            200 * time.Millisecond,
	}
}

// Request identifies one validation.
type Request struct {
	PatternID string
	Type      pattern.PatternType
	Deep      bool
	Epoch     uint64
}

// Validator is the pattern integrity validator. It reads stores and never writes them.
type Validator struct {
	stores   store.Set
	cfg      Config
	logger   *slog.Logger
	metrics  metrics.Collector
	exporter trace.Exporter
}

// New creates a validator over the given stores.
func New(stores store.Set, cfg Config) *Validator {
	return &Validator{
		stores:  stores,
		cfg:     cfg,
		metrics: metrics.NewNoopCollector(),
	}
}

// WithLogger sets the logger and returns the validator for chaining.
func (v *Validator) WithLogger(logger *slog.Logger) *Validator {
	v.logger = logger
	return v
}

// WithMetrics sets the metrics collector and returns the validator for chaining.
func (v *Validator) WithMetrics(c metrics.Collector) *Validator {
	if c != nil {
		v.metrics = c
	}
	return v
}

// WithExporter sets the trace exporter and returns the validator for chaining.
func (v *Validator) WithExporter(exp trace.Exporter) *Validator {
	v.exporter = exp
	return v
}

func (v *Validator) log() *slog.Logger {
	if v.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.logger
}

// Validate scores one pattern. Shallow validation reads only the system of record;
// deep validation also probes the graph, vector and cache stores in parallel.
//
// It returns pattern.ErrNotFound when the system of record lacks the pattern,
// pattern.ErrUnknownPatternType for an invalid type, and ctx.Err() when ctx ends
// before the probes complete. Unreachable stores never fail
// the call: they are listed in Unavailable and mark the result Partial.
func (v *Validator) Validate(ctx context.Context, req Request) (*pattern.IntegrityResult, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", pattern.ErrUnknownPatternType, string(req.Type))
	}

	start := time.Now()
	op := trace.Start("validate", map[string]interface{}{"patternId": req.PatternID, "deep": req.Deep, "epoch": req.Epoch})

	caller := ctx
	if v.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Deadline)
		defer cancel()
	}

	timeout := v.cfg.ShallowStoreTimeout
	if req.Deep {
		timeout = v.cfg.DeepStoreTimeout
	}

	probe := op.Span("probe")
	ref, snaps, refErr := v.gather(ctx, req, timeout)
	probe.Finish(refErr, map[string]int64{"storesProbed": int64(len(snaps) + 1)})

	// A cancelled caller gets its error, not a result scored from aborted probes.
	if err := caller.Err(); err != nil {
		v.finish(ctx, op, start, nil, err)
		return nil, err
	}

	if errors.Is(refErr, pattern.ErrNotFound) {
		v.finish(ctx, op, start, nil, refErr)
		v.log().Info("validation target missing", "pattern_id", req.PatternID)
		return nil, fmt.Errorf("validate %s: %w", req.PatternID, refErr)
	}

	score := op.Span("score")
	result := v.score(req, ref, snaps)
	result.ValidationDurationMs = time.Since(start).Milliseconds()
	score.Finish(nil, map[string]int64{"discrepancies": int64(len(result.Discrepancies))})

	v.finish(ctx, op, start, result, nil)
	v.log().Info("pattern validated",
		"pattern_id", req.PatternID,
		"deep", req.Deep,
		"score", result.IntegrityScore,
		"checksum_match", result.ChecksumMatch,
		"partial", result.Partial,
		"duration_ms", result.ValidationDurationMs)
	return result, nil
}

// gather fetches the reference and, for deep validation, probes every secondary
// store concurrently. All reads share ctx, so cancelling it abandons every query.
func (v *Validator) gather(ctx context.Context, req Request, timeout time.Duration) (*pattern.Pattern, []pattern.StoreSnapshot, error) {
	var (
		wg    sync.WaitGroup
		snaps []pattern.StoreSnapshot
	)
	if req.Deep {
		secondaries := pattern.SecondaryStores()
		snaps = make([]pattern.StoreSnapshot, len(secondaries))
		for i, kind := range secondaries {
			a, err := v.stores.Get(kind)
			if err != nil {
				snaps[i] = pattern.StoreSnapshot{Store: kind, TimedOut: true, Error: err.Error(), Epoch: req.Epoch}
				continue
			}
			wg.Add(1)
			go func(i int, a store.Adapter) {
				defer wg.Done()
				snaps[i] = store.Probe(ctx, a, req.PatternID, timeout, req.Epoch)
			}(i, a)
		}
	}

	ref, err := store.FetchReference(ctx, v.stores.Relational, req.PatternID, timeout)
	wg.Wait()

	for _, s := range snaps {
		if s.TimedOut {
			v.log().Warn("store probe timed out", "pattern_id", req.PatternID, "store", s.Store, "error", s.Error)
		} else {
			v.log().Debug("store probed", "pattern_id", req.PatternID, "store", s.Store,
				"exists", s.Exists, "latency_ms", s.FetchLatencyMs)
		}
	}
	return ref, snaps, err
}

// score combines the evaluable components. Unevaluated components are excluded
// from the weighted average; when none can be evaluated the score is 0.
func (v *Validator) score(req Request, ref *pattern.Pattern, snaps []pattern.StoreSnapshot) *pattern.IntegrityResult {
	r := &pattern.IntegrityResult{
		PatternID:   req.PatternID,
		PatternType: req.Type,
		Deep:        req.Deep,
		Epoch:       req.Epoch,
		ValidatedAt: time.Now(),
		Snapshots:   snaps,
	}

	checksum := pattern.ComponentScore{Name: ComponentChecksum, Weight: v.cfg.ChecksumWeight}
	shape := pattern.ComponentScore{Name: ComponentShape, Weight: v.cfg.ShapeWeight}
	freshness := pattern.ComponentScore{Name: ComponentFreshness, Weight: v.cfg.FreshnessWeight}

	if ref == nil {
		// The system of record did not answer: nothing can be verified.
		unknown := &pattern.Pattern{ID: req.PatternID, Type: req.Type}
		relational := pattern.StoreSnapshot{Store: pattern.Relational, TimedOut: true, Epoch: req.Epoch}
		r.Partial = true
		r.Unavailable = append(r.Unavailable, pattern.Relational)
		r.Discrepancies = append(r.Discrepancies, pattern.NewDiscrepancy(unknown, relational, pattern.ReasonTimeout, "", req.Epoch))
		for _, s := range snaps {
			if s.TimedOut {
				r.Unavailable = append(r.Unavailable, s.Store)
				r.Discrepancies = append(r.Discrepancies, pattern.NewDiscrepancy(unknown, s, pattern.ReasonTimeout, "", req.Epoch))
			}
		}
		r.Components = []pattern.ComponentScore{checksum, shape, freshness}
		return r
	}
	r.ProjectID = ref.ProjectID

	// Checksum: the relational recompute plus each reachable replica.
	comparisons, matches := 1, 0
	if ref.Intact() {
		matches++
	} else {
		snap := pattern.StoreSnapshot{Store: pattern.Relational, Exists: true, Checksum: ref.Recompute(), LastWriteAt: ref.UpdatedAt, Epoch: req.Epoch}
		r.Discrepancies = append(r.Discrepancies, pattern.NewDiscrepancy(ref, snap, pattern.ReasonChecksumMismatch, ref.Checksum, req.Epoch))
	}

	freshEvaluated, fresh := 0, 0
	for _, s := range snaps {
		reason, agrees := pattern.Compare(ref, s, v.cfg.StalenessWindow)
		if s.TimedOut {
			r.Partial = true
			r.Unavailable = append(r.Unavailable, s.Store)
			r.Discrepancies = append(r.Discrepancies, pattern.NewDiscrepancy(ref, s, reason, ref.Checksum, req.Epoch))
			continue
		}
		comparisons++
		if agrees {
			matches++
		} else {
			r.Discrepancies = append(r.Discrepancies, pattern.NewDiscrepancy(ref, s, reason, ref.Checksum, req.Epoch))
		}
		// A replica holding the reference checksum is current however old its write.
		if s.Exists {
			freshEvaluated++
			if agrees || pattern.Lag(ref, s) <= v.cfg.StalenessWindow {
				fresh++
			}
		}
	}

	checksum.Evaluated = true
	checksum.Score = float64(matches) / float64(comparisons)
	r.ChecksumMatch = matches == comparisons

	shape.Evaluated = true
	if ref.Type == req.Type {
		shape.Score = pattern.ShapeScore(req.Type, ref.Fields)
	} else {
		v.log().Warn("pattern type differs from request", "pattern_id", ref.ID, "stored", ref.Type, "requested", req.Type)
	}

	if req.Deep && freshEvaluated > 0 {
		freshness.Evaluated = true
		freshness.Score = float64(fresh) / float64(freshEvaluated)
	}

	r.Components = []pattern.ComponentScore{checksum, shape, freshness}
	r.IntegrityScore = weighted(r.Components)
	if !r.ChecksumMatch {
		r.IntegrityScore = math.Min(r.IntegrityScore, maxMismatchScore)
	}
	return r
}

// weighted returns the weighted average of evaluated components on a 0-100 scale.
func weighted(components []pattern.ComponentScore) float64 {
	var sum, weights float64
	for _, c := range components {
		if !c.Evaluated || c.Weight <= 0 {
			continue
		}
		sum += c.Weight * c.Score
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	// Round to 1e-9 so repeated runs compare equal despite float summation order.
	score := math.Round(sum/weights*100*1e9) / 1e9
	return pattern.ClampScore(score)
}

func (v *Validator) finish(ctx context.Context, op *trace.Operation, start time.Time, r *pattern.IntegrityResult, err error) {
	partial := r != nil && r.Partial
	ms := time.Since(start).Milliseconds()

	status := trace.StatusSuccess
	switch {
	case err != nil:
		status = trace.StatusError
		v.metrics.RecordError(ctx, "validate", pattern.ClassifyError(err))
	case partial:
		status = trace.StatusPartial
	}
	v.metrics.RecordOperation(ctx, "validate", status, ms)

	if _, xerr := op.Export(ctx, v.exporter, err, partial); xerr != nil {
		v.log().Error("trace export failed", "operation", "validate", "error", xerr)
	}
}
