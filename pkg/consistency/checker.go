// Package consistency compares every pattern of a project across the four stores.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/dan-solli/patternguard/pkg/trace"
	"github.com/dan-solli/patternguard/pkg/workpool"
	"github.com/google/uuid"
)

// Config tunes probing and sampling.
type Config struct {
	StoreTimeout     time.Duration // per store query
	Deadline         time.Duration // aggregate bound on one Check call
	StalenessWindow  time.Duration
	ValidationWindow time.Duration // patterns touched within it are checked first
	SampleCap        int
	Seed             uint64
}

// DefaultConfig returns the default timeouts and sampling bounds.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:     50 * time.Millisecond,
		Deadline:         100 * time.Millisecond,
		StalenessWindow:  5 * time.Minute,
		ValidationWindow: 15 * time.Minute,
		SampleCap:        200,
	}
}

// Request identifies one consistency check. Empty Types means every type.
type Request struct {
	ProjectID string
	Types     []pattern.PatternType
	Epoch     uint64
}

// Checker is the cross-database consistency checker. It reads stores and never writes them.
type Checker struct {
	stores   store.Set
	pool     *workpool.Pool
	cfg      Config
	logger   *slog.Logger
	metrics  metrics.Collector
	exporter trace.Exporter
}

// New creates a checker. Pattern-level work runs on pool; a nil pool runs each
// pattern on its own goroutine.
func New(stores store.Set, pool *workpool.Pool, cfg Config) *Checker {
	return &Checker{
		stores:  stores,
		pool:    pool,
		cfg:     cfg,
		metrics: metrics.NewNoopCollector(),
	}
}

// WithLogger sets the logger and returns the checker for chaining.
func (c *Checker) WithLogger(logger *slog.Logger) *Checker {
	c.logger = logger
	return c
}

// WithMetrics sets the metrics collector and returns the checker for chaining.
func (c *Checker) WithMetrics(m metrics.Collector) *Checker {
	if m != nil {
		c.metrics = m
	}
	return c
}

// WithExporter sets the trace exporter and returns the checker for chaining.
func (c *Checker) WithExporter(exp trace.Exporter) *Checker {
	c.exporter = exp
	return c
}

func (c *Checker) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// outcome is the verdict for one pattern.
type outcome struct {
	line          pattern.PatternConsistency
	discrepancies []pattern.Discrepancy
	agree         int
	probed        int
	partial       bool
	skip          bool
}

// Check compares each selected pattern of the project across all stores.
//
// A store that does not answer within its timeout counts as disagreeing and is
// reported with reason Timeout; when the aggregate deadline expires, patterns
// not yet probed are reported the same way and the report is marked Partial.
// Only an unknown pattern type fails the call.
func (c *Checker) Check(ctx context.Context, req Request) (*pattern.ConsistencyReport, error) {
	types, err := pattern.ValidatePatternTypes(req.Types)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	op := trace.Start("check", map[string]interface{}{"projectId": req.ProjectID, "epoch": req.Epoch})

	if c.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadline)
		defer cancel()
	}

	report := &pattern.ConsistencyReport{
		ID:                  uuid.NewString(),
		ProjectID:           req.ProjectID,
		CheckedPatternTypes: types,
		Epoch:               req.Epoch,
	}

	selection := op.Span("select")
	patterns, available, err := c.selectPatterns(ctx, req.ProjectID, types, req.Epoch)
	selection.Finish(err, map[string]int64{"available": int64(available), "selected": int64(len(patterns))})
	if err != nil {
		// Without the system of record there is nothing to compare against.
		c.log().Warn("system of record unavailable", "project_id", req.ProjectID, "error", err)
		report.Partial = true
		report.CheckedAt = time.Now()
		report.DurationMs = time.Since(start).Milliseconds()
		c.finish(ctx, op, report, nil)
		return report, nil
	}
	report.PatternsAvailable = available
	report.Sampled = len(patterns) < available

	probe := op.Span("probe")
	outcomes := c.probeAll(ctx, patterns, req.Epoch)
	probe.Finish(nil, map[string]int64{"patterns": int64(len(patterns))})

	scoring := op.Span("score")
	var agree, probed int
	for _, o := range outcomes {
		if o.skip {
			continue
		}
		agree += o.agree
		probed += o.probed
		report.Partial = report.Partial || o.partial
		report.Patterns = append(report.Patterns, o.line)
		report.Discrepancies = append(report.Discrepancies, o.discrepancies...)
	}
	report.PatternsChecked = len(report.Patterns)
	report.ConsistencyScore = projectScore(agree, probed)
	scoring.Finish(nil, map[string]int64{"discrepancies": int64(len(report.Discrepancies))})

	report.CheckedAt = time.Now()
	report.DurationMs = time.Since(start).Milliseconds()
	c.finish(ctx, op, report, nil)

	c.log().Info("consistency checked",
		"project_id", req.ProjectID,
		"score", report.ConsistencyScore,
		"patterns", report.PatternsChecked,
		"discrepancies", len(report.Discrepancies),
		"timeouts", len(report.TimedOut()),
		"partial", report.Partial,
		"duration_ms", report.DurationMs)
	return report, nil
}

// projectScore is the count-weighted agreement across all probes. A project
// with nothing to probe is fully consistent.
func projectScore(agree, probed int) float64 {
	if probed == 0 {
		return 100
	}
	score := math.Round(float64(agree)/float64(probed)*100*1e9) / 1e9
	return pattern.ClampScore(score)
}

// selectPatterns returns the patterns touched in the validation window, or every
// pattern when none were touched, sampled down to the cap.
func (c *Checker) selectPatterns(ctx context.Context, projectID string, types []pattern.PatternType, epoch uint64) ([]*pattern.Pattern, int, error) {
	opts := store.ListOptions{ProjectID: projectID, Types: types}
	var (
		patterns []*pattern.Pattern
		err      error
	)
	if c.cfg.ValidationWindow > 0 {
		opts.TouchedSince = time.Now().Add(-c.cfg.ValidationWindow)
		patterns, err = c.stores.Relational.ListPatterns(ctx, opts)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: list patterns: %v", pattern.ErrStoreUnavailable, err)
		}
	}
	if len(patterns) == 0 {
		opts.TouchedSince = time.Time{}
		patterns, err = c.stores.Relational.ListPatterns(ctx, opts)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: list patterns: %v", pattern.ErrStoreUnavailable, err)
		}
	}

	available := len(patterns)
	if c.cfg.SampleCap <= 0 || available <= c.cfg.SampleCap {
		return patterns, available, nil
	}
	return c.sample(patterns, epoch), available, nil
}

// sample picks SampleCap patterns. The generator is seeded from the configured
// seed and the epoch: successive epochs cover different patterns, and a given
// seed and epoch always yield the same sample.
func (c *Checker) sample(patterns []*pattern.Pattern, epoch uint64) []*pattern.Pattern {
	rng := rand.New(rand.NewPCG(c.cfg.Seed, epoch))
	picked := make([]*pattern.Pattern, len(patterns))
	copy(picked, patterns)
	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	picked = picked[:c.cfg.SampleCap]
	sort.Slice(picked, func(i, j int) bool { return picked[i].ID < picked[j].ID })
	return picked
}

// probeAll fans out one job per pattern. A job that never ran before the
// deadline yields an all-timeout outcome.
func (c *Checker) probeAll(ctx context.Context, patterns []*pattern.Pattern, epoch uint64) []outcome {
	outcomes := make([]outcome, len(patterns))
	var wg sync.WaitGroup
	for i, p := range patterns {
		wg.Add(1)
		go func(i int, p *pattern.Pattern) {
			defer wg.Done()
			job := func(ctx context.Context) error {
				outcomes[i] = c.probePattern(ctx, p, epoch)
				return nil
			}
			var err error
			if c.pool != nil {
				err = c.pool.Do(ctx, workpool.Deep, job)
			} else {
				err = job(ctx)
			}
			if err != nil {
				c.log().Warn("pattern not probed", "pattern_id", p.ID, "error", err)
				outcomes[i] = c.unprobed(p, epoch, err)
			}
		}(i, p)
	}
	wg.Wait()
	return outcomes
}

// probePattern queries all four stores for one pattern in parallel.
func (c *Checker) probePattern(ctx context.Context, p *pattern.Pattern, epoch uint64) outcome {
	stores := pattern.AllStores()
	snaps := make([]pattern.StoreSnapshot, len(stores))
	var wg sync.WaitGroup
	for i, kind := range stores {
		a, err := c.stores.Get(kind)
		if err != nil {
			snaps[i] = pattern.StoreSnapshot{Store: kind, TimedOut: true, Error: err.Error(), Epoch: epoch}
			continue
		}
		wg.Add(1)
		go func(i int, a store.Adapter) {
			defer wg.Done()
			snaps[i] = store.Probe(ctx, a, p.ID, c.cfg.StoreTimeout, epoch)
		}(i, a)
	}
	wg.Wait()

	ref := *p
	o := outcome{line: pattern.PatternConsistency{PatternID: p.ID, Type: p.Type}}

	// The relational snapshot from this epoch is the reference when it answered.
	if rel := snaps[0]; rel.Reachable() {
		if !rel.Exists {
			o.skip = true
			return o
		}
		ref.Checksum = rel.Checksum
		ref.UpdatedAt = rel.LastWriteAt
	} else {
		c.log().Warn("store probe timed out", "pattern_id", p.ID, "store", rel.Store, "error", rel.Error)
		o.partial = true
		o.discrepancies = append(o.discrepancies, pattern.NewDiscrepancy(&ref, rel, pattern.ReasonTimeout, ref.Checksum, epoch))
	}
	if !p.Intact() {
		recomputed := pattern.StoreSnapshot{Store: pattern.Relational, Exists: true, Checksum: p.Recompute(), LastWriteAt: p.UpdatedAt, Epoch: epoch}
		o.discrepancies = append(o.discrepancies, pattern.NewDiscrepancy(&ref, recomputed, pattern.ReasonChecksumMismatch, ref.Checksum, epoch))
	}

	for _, s := range snaps[1:] {
		o.probed++
		reason, agrees := pattern.Compare(&ref, s, c.cfg.StalenessWindow)
		if agrees {
			o.agree++
			o.line.Agreeing = append(o.line.Agreeing, s.Store)
			continue
		}
		if s.TimedOut {
			o.partial = true
			c.log().Warn("store probe timed out", "pattern_id", p.ID, "store", s.Store, "error", s.Error)
		}
		o.discrepancies = append(o.discrepancies, pattern.NewDiscrepancy(&ref, s, reason, ref.Checksum, epoch))
	}
	o.line.Probed = o.probed
	o.line.Score = float64(o.agree) / float64(o.probed)

	c.log().Debug("pattern compared", "pattern_id", p.ID, "agree", o.agree, "probed", o.probed)
	return o
}

// unprobed reports every store of a pattern as timed out.
func (c *Checker) unprobed(p *pattern.Pattern, epoch uint64, cause error) outcome {
	o := outcome{
		line:    pattern.PatternConsistency{PatternID: p.ID, Type: p.Type},
		partial: true,
	}
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = pattern.ErrTimeout.Error()
	}
	for _, kind := range pattern.AllStores() {
		snap := pattern.StoreSnapshot{Store: kind, TimedOut: true, Error: msg, Epoch: epoch}
		o.discrepancies = append(o.discrepancies, pattern.NewDiscrepancy(p, snap, pattern.ReasonTimeout, p.Checksum, epoch))
		if !kind.IsSystemOfRecord() {
			o.probed++
		}
	}
	o.line.Probed = o.probed
	return o
}

func (c *Checker) finish(ctx context.Context, op *trace.Operation, r *pattern.ConsistencyReport, err error) {
	status := trace.StatusSuccess
	switch {
	case err != nil:
		status = trace.StatusError
		c.metrics.RecordError(ctx, "check", pattern.ClassifyError(err))
	case r.Partial:
		status = trace.StatusPartial
	}
	c.metrics.RecordOperation(ctx, "check", status, r.DurationMs)

	// The aggregate deadline may already have expired; the export must still happen.
	if _, xerr := op.Export(context.WithoutCancel(ctx), c.exporter, err, r.Partial); xerr != nil {
		c.log().Error("trace export failed", "operation", "check", "error", xerr)
	}
}
