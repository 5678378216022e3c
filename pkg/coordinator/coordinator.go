// Package coordinator schedules validations, serialises work per pattern and
// admits results into the ledger.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-solli/patternguard/pkg/consistency"
	"github.com/dan-solli/patternguard/pkg/health"
	"github.com/dan-solli/patternguard/pkg/integrity"
	"github.com/dan-solli/patternguard/pkg/ledger"
	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/recovery"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/dan-solli/patternguard/pkg/workpool"
	"github.com/dgraph-io/ristretto"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Validator validates a single pattern.
type Validator interface {
	Validate(ctx context.Context, req integrity.Request) (*pattern.IntegrityResult, error)
}

// Checker checks a project across stores.
type Checker interface {
	Check(ctx context.Context, req consistency.Request) (*pattern.ConsistencyReport, error)
}

// Recoverer repairs a flagged discrepancy.
type Recoverer interface {
	Recover(ctx context.Context, discrepancyID string) (*pattern.RecoveryAttempt, error)
}

// Config tunes cadences and caches.
type Config struct {
	SweepSpec     string // cron spec of the deep sweep
	SamplingSpec  string // cron spec of the shallow sampling pass
	SamplingBatch int    // patterns per project per sampling pass
	CheckpointTTL time.Duration
	AutoRecover   bool // re-invoke recovery for open discrepancies on each sweep
}

// DefaultConfig returns the default cadences.
func DefaultConfig() Config {
	return Config{
		SweepSpec:     "@every 1h",
		SamplingSpec:  "@every 1m",
		SamplingBatch: 50,
		CheckpointTTL: time.Hour,
		AutoRecover:   true,
	}
}

// Components are the collaborators the coordinator drives.
type Components struct {
	Stores    store.Set
	Ledger    *ledger.Ledger
	Pool      *workpool.Pool
	Validator Validator
	Checker   Checker
	Monitor   *health.Monitor
	Recoverer Recoverer
}

// Coordinator is the validation coordinator.
type Coordinator struct {
	stores    store.Set
	ledger    *ledger.Ledger
	pool      *workpool.Pool
	validator Validator
	checker   Checker
	monitor   *health.Monitor
	recoverer Recoverer
	cfg       Config
	logger    *slog.Logger
	metrics   metrics.Collector

	flights  singleflight.Group
	flightMu sync.Mutex
	inflight map[string]*flight
	locks    *keyedMutex
	epoch   atomic.Uint64

	// admitMu serialises admission so the epoch check and the ledger writes are atomic.
	admitMu       sync.Mutex
	patternEpochs map[string]uint64
	projectEpochs map[string]uint64

	checkpoints *ristretto.Cache

	cronMu    sync.Mutex
	scheduler *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
	closed    atomic.Bool
}

// New creates a coordinator. It registers itself as the monitor's refresher and
// as the recoverer's checkpoint hook when the recoverer is a *recovery.Orchestrator.
func New(c Components, cfg Config) (*Coordinator, error) {
	if c.Ledger == nil || c.Pool == nil || c.Validator == nil || c.Checker == nil || c.Monitor == nil || c.Recoverer == nil {
		return nil, fmt.Errorf("coordinator requires ledger, pool, validator, checker, monitor and recoverer")
	}
	if err := c.Stores.Validate(); err != nil {
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        1e4,
		MaxCost:            1e3,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint cache: %w", err)
	}

	co := &Coordinator{
		stores:        c.Stores,
		ledger:        c.Ledger,
		pool:          c.Pool,
		validator:     c.Validator,
		checker:       c.Checker,
		monitor:       c.Monitor,
		recoverer:     c.Recoverer,
		cfg:           cfg,
		metrics:       metrics.NewNoopCollector(),
		locks:         newKeyedMutex(),
		inflight:      make(map[string]*flight),
		patternEpochs: make(map[string]uint64),
		projectEpochs: make(map[string]uint64),
		checkpoints:   cache,
	}
	c.Monitor.WithRefresher(co.refresh)
	if o, ok := c.Recoverer.(*recovery.Orchestrator); ok {
		o.WithCheckpointHook(co.cacheCheckpoint)
	}
	return co, nil
}

// WithLogger sets the logger and returns the coordinator for chaining.
func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	c.logger = logger
	return c
}

// WithMetrics sets the metrics collector and returns the coordinator for chaining.
func (c *Coordinator) WithMetrics(m metrics.Collector) *Coordinator {
	if m != nil {
		c.metrics = m
	}
	return c
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Coordinator) nextEpoch() uint64 {
	return c.epoch.Add(1)
}

// Validate validates one pattern on the worker pool.
//
// Concurrent requests for the same pattern and depth share one validation and
// receive the same result. The shared validation keeps running while any of
// them still waits, so one caller's cancellation never reaches the others.
// Validations of one pattern never overlap. Shallow priority requests are
// dropped with pattern.ErrQueueFull when the pool is saturated.
func (c *Coordinator) Validate(ctx context.Context, patternID string, typ pattern.PatternType, deep bool, prio workpool.Priority) (*pattern.IntegrityResult, error) {
	if c.closed.Load() {
		return nil, pattern.ErrClosed
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %q", pattern.ErrUnknownPatternType, string(typ))
	}

	key := flightKey(patternID, typ, deep)
	for attempt := 0; ; attempt++ {
		r, err := c.validateShared(ctx, key, patternID, typ, deep, prio)
		// The shared run was cancelled because every caller that started it left.
		if errors.Is(err, context.Canceled) && ctx.Err() == nil && attempt < maxFlightRetries {
			continue
		}
		return r, err
	}
}

func flightKey(patternID string, typ pattern.PatternType, deep bool) string {
	return fmt.Sprintf("%s|%s|deep=%t", patternID, typ, deep)
}

// maxFlightRetries bounds how often a live caller restarts a validation whose
// shared run was cancelled under it.
const maxFlightRetries = 3

// flight is the context of one shared validation. It outlives any single
// caller and is cancelled once no caller waits for it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (c *Coordinator) validateShared(ctx context.Context, key, patternID string, typ pattern.PatternType, deep bool, prio workpool.Priority) (*pattern.IntegrityResult, error) {
	c.flightMu.Lock()
	f, ok := c.inflight[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.inflight[key] = f
	}
	f.waiters++
	ch := c.flights.DoChan(key, func() (interface{}, error) {
		defer c.endFlight(key, f)
		return c.runValidation(f.ctx, patternID, typ, deep, prio)
	})
	c.flightMu.Unlock()
	defer c.leaveFlight(key, f)

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pattern.IntegrityResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) runValidation(ctx context.Context, patternID string, typ pattern.PatternType, deep bool, prio workpool.Priority) (*pattern.IntegrityResult, error) {
	var result *pattern.IntegrityResult
	err := c.pool.Do(ctx, prio, func(ctx context.Context) error {
		if err := c.locks.Lock(ctx, patternID); err != nil {
			return err
		}
		defer c.locks.Unlock(patternID)

		req := integrity.Request{PatternID: patternID, Type: typ, Deep: deep, Epoch: c.nextEpoch()}
		r, err := c.validator.Validate(ctx, req)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		result = r
		c.admitIntegrity(ctx, r)
		return nil
	})
	return result, err
}

// endFlight forgets a finished flight so the next request starts a fresh one.
func (c *Coordinator) endFlight(key string, f *flight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
}

// leaveFlight drops one waiter and cancels the flight when it was the last.
func (c *Coordinator) leaveFlight(key string, f *flight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
}

// Check runs a consistency check of a project and admits the report. It runs on
// the caller's goroutine; the checker spreads pattern-level work over the pool.
func (c *Coordinator) Check(ctx context.Context, projectID string, types []pattern.PatternType) (*pattern.ConsistencyReport, error) {
	if c.closed.Load() {
		return nil, pattern.ErrClosed
	}
	report, err := c.checker.Check(ctx, consistency.Request{ProjectID: projectID, Types: types, Epoch: c.nextEpoch()})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.admitReport(ctx, report)
	return report, nil
}

// Recover runs one recovery attempt for a flagged discrepancy while holding the
// pattern's lock, then refreshes the project's health.
func (c *Coordinator) Recover(ctx context.Context, discrepancyID string) (*pattern.RecoveryAttempt, error) {
	if c.closed.Load() {
		return nil, pattern.ErrClosed
	}
	rec, err := c.ledger.GetDiscrepancy(ctx, discrepancyID)
	if err != nil {
		return nil, err
	}

	if err := c.locks.Lock(ctx, rec.PatternID); err != nil {
		return nil, err
	}
	attempt, err := c.recoverer.Recover(ctx, discrepancyID)
	c.locks.Unlock(rec.PatternID)

	if attempt != nil || errors.Is(err, pattern.ErrNotFound) {
		c.observe(ctx, rec.ProjectID)
	}
	return attempt, err
}

// ClearQuarantine releases a pattern from quarantine in the system of record and the ledger.
func (c *Coordinator) ClearQuarantine(ctx context.Context, patternID string) error {
	if err := c.locks.Lock(ctx, patternID); err != nil {
		return err
	}
	defer c.locks.Unlock(patternID)

	if err := c.ledger.ClearQuarantine(ctx, patternID); err != nil {
		return err
	}
	if err := c.stores.Relational.SetQuarantined(ctx, patternID, false); err != nil {
		return fmt.Errorf("clear quarantine flag: %w", err)
	}
	c.log().Info("quarantine cleared", "pattern_id", patternID)
	return nil
}

// Health returns the cached health of a project. It never fails.
func (c *Coordinator) Health(ctx context.Context, projectID string) pattern.HealthStatus {
	return c.monitor.Monitor(ctx, projectID)
}

// refresh is the monitor's refresher: a consistency check followed by deep
// validation of every pattern the check found drifting.
func (c *Coordinator) refresh(ctx context.Context, projectID string) error {
	report, err := c.Check(ctx, projectID, nil)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, d := range report.Discrepancies {
		if seen[d.PatternID] {
			continue
		}
		seen[d.PatternID] = true
		if _, err := c.Validate(ctx, d.PatternID, d.PatternType, true, workpool.OnDemand); err != nil && !errors.Is(err, pattern.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (c *Coordinator) cacheCheckpoint(cp pattern.Checkpoint) {
	if c.cfg.CheckpointTTL > 0 {
		c.checkpoints.SetWithTTL(cp.AttemptID, cp, 1, c.cfg.CheckpointTTL)
	} else {
		c.checkpoints.Set(cp.AttemptID, cp, 1)
	}
	c.checkpoints.Wait()
}

// Checkpoint returns the pre-repair checkpoint of a recovery attempt, from the
// TTL cache when present and from the ledger otherwise.
func (c *Coordinator) Checkpoint(ctx context.Context, attemptID string) (*pattern.Checkpoint, error) {
	if v, ok := c.checkpoints.Get(attemptID); ok {
		cp := v.(pattern.Checkpoint)
		return &cp, nil
	}
	cp, err := c.ledger.GetCheckpoint(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	c.cacheCheckpoint(*cp)
	return cp, nil
}

// Close stops the cadences and releases the checkpoint cache. The pool, ledger
// and stores belong to the caller.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.Stop()
	c.checkpoints.Close()
}
