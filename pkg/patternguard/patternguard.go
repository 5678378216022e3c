// Package patternguard wires the memory correctness engine together: the four
// store adapters, the ledger, the worker pool, the validators, the health
// monitor, the recovery orchestrator and the coordinator that drives them.
package patternguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dan-solli/patternguard/pkg/config"
	"github.com/dan-solli/patternguard/pkg/consistency"
	"github.com/dan-solli/patternguard/pkg/coordinator"
	"github.com/dan-solli/patternguard/pkg/embeddings"
	"github.com/dan-solli/patternguard/pkg/health"
	"github.com/dan-solli/patternguard/pkg/integrity"
	"github.com/dan-solli/patternguard/pkg/ledger"
	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/recovery"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/dan-solli/patternguard/pkg/trace"
	"github.com/dan-solli/patternguard/pkg/workpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine is the main entry point of the correctness engine.
type Engine struct {
	cfg *config.Config

	stores       store.Set
	ledger       *ledger.Ledger
	pool         *workpool.Pool
	validator    *integrity.Validator
	checker      *consistency.Checker
	monitor      *health.Monitor
	orchestrator *recovery.Orchestrator
	coordinator  *coordinator.Coordinator
	metrics      *metrics.MetricsCollector
	exporter     trace.Exporter

	closers []func() error
}

// Open builds an engine over the stores configured in cfg: SQLite for the
// relational and graph stores, chromem-go for the vector store and ristretto
// for the cache. A nil cfg means config.Default().
func Open(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var closers []func() error
	fail := func(err error) (*Engine, error) {
		closeAll(closers)
		return nil, err
	}

	relational, err := store.NewSQLiteRelationalStore(cfg.Stores.RelationalPath)
	if err != nil {
		return fail(fmt.Errorf("open relational store: %w", err))
	}
	closers = append(closers, relational.Close)

	graph, err := store.NewSQLiteGraphStore(cfg.Stores.GraphPath)
	if err != nil {
		return fail(fmt.Errorf("open graph store: %w", err))
	}
	closers = append(closers, graph.Close)

	embedder := NewEmbedder(cfg.Embedder)
	vector, err := store.NewChromemVectorStore(cfg.Stores.VectorPath, embedder)
	if err != nil {
		return fail(fmt.Errorf("open vector store: %w", err))
	}

	cache, err := store.NewRistrettoCacheStore(store.CacheConfig{
		NumCounters: 10 * cfg.Stores.CacheMaxItems,
		MaxCost:     cfg.Stores.CacheMaxItems,
		TTL:         cfg.Stores.CacheTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("open cache store: %w", err))
	}
	closers = append(closers, func() error { cache.Close(); return nil })

	set := store.Set{Relational: relational, Graph: graph, Vector: vector, Cache: cache}
	e, err := build(set, cfg, embedder)
	if err != nil {
		return fail(err)
	}
	e.closers = append(e.closers, closers...)
	return e, nil
}

// New builds an engine over caller-supplied adapters. The adapters stay owned
// by the caller; Close releases only what New created.
func New(stores store.Set, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(stores, cfg, NewEmbedder(cfg.Embedder))
}

// NewEmbedder returns the Ollama client when a URL is configured and the
// offline hashing embedder otherwise.
func NewEmbedder(cfg config.EmbedderConfig) embeddings.Client {
	if cfg.URL == "" {
		return embeddings.NewHashClient(cfg.Dimensions)
	}
	return embeddings.NewOllamaClient(cfg.URL, cfg.Model, cfg.Timeout)
}

func build(stores store.Set, cfg *config.Config, embedder embeddings.Client) (*Engine, error) {
	if err := stores.Validate(); err != nil {
		return nil, err
	}

	l, err := ledger.Open(cfg.Stores.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	exporter, err := trace.NewFileExporter(cfg.Stores.TracePath)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("open trace exporter: %w", err)
	}

	m := metrics.NewCollector()
	pool := workpool.New(cfg.Pool.Workers, cfg.Pool.QueueDepth).WithMetrics(m)

	validator := integrity.New(stores, integrity.Config{
		ChecksumWeight:      cfg.Integrity.ChecksumWeight,
		ShapeWeight:         cfg.Integrity.ShapeWeight,
		FreshnessWeight:     cfg.Integrity.FreshnessWeight,
		StalenessWindow:     cfg.StalenessWindow,
		ShallowStoreTimeout: cfg.Integrity.ShallowStoreTimeout,
		DeepStoreTimeout:    cfg.Integrity.DeepStoreTimeout,
		Deadline:            cfg.Integrity.Deadline,
	}).WithMetrics(m).WithExporter(exporter)

	checker := consistency.New(stores, pool, consistency.Config{
		StoreTimeout:     cfg.Consistency.StoreTimeout,
		Deadline:         cfg.Consistency.Deadline,
		StalenessWindow:  cfg.StalenessWindow,
		ValidationWindow: cfg.Consistency.ValidationWindow,
		SampleCap:        cfg.Consistency.SampleCap,
		Seed:             cfg.Consistency.Seed,
	}).WithMetrics(m).WithExporter(exporter)

	monitor := health.New(l, health.Config{
		HealthyThreshold: cfg.Health.HealthyThreshold,
		TrendWindow:      cfg.Health.TrendWindow,
		Deadline:         cfg.Health.Deadline,
	}).WithMetrics(m)

	orchestrator := recovery.New(stores, l, recovery.Config{
		FailureThreshold: cfg.Recovery.FailureThreshold,
		StoreTimeout:     cfg.Recovery.StoreTimeout,
	}).WithEmbedder(embedder).WithMetrics(m).WithExporter(exporter)

	co, err := coordinator.New(coordinator.Components{
		Stores:    stores,
		Ledger:    l,
		Pool:      pool,
		Validator: validator,
		Checker:   checker,
		Monitor:   monitor,
		Recoverer: orchestrator,
	}, coordinator.Config{
		SweepSpec:     cfg.Cadence.Sweep,
		SamplingSpec:  cfg.Cadence.Sampling,
		SamplingBatch: cfg.Cadence.SamplingBatch,
		CheckpointTTL: cfg.Recovery.CheckpointTTL,
		AutoRecover:   cfg.Recovery.AutoRecover,
	})
	if err != nil {
		pool.Close()
		exporter.Close()
		l.Close()
		return nil, err
	}
	co.WithMetrics(m)

	return &Engine{
		cfg:          cfg,
		stores:       stores,
		ledger:       l,
		pool:         pool,
		validator:    validator,
		checker:      checker,
		monitor:      monitor,
		orchestrator: orchestrator,
		coordinator:  co,
		metrics:      m,
		exporter:     exporter,
	}, nil
}

// WithLogger sets the logger of every component and returns the engine for chaining.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.pool.WithLogger(logger)
	e.validator.WithLogger(logger)
	e.checker.WithLogger(logger)
	e.monitor.WithLogger(logger)
	e.orchestrator.WithLogger(logger)
	e.coordinator.WithLogger(logger)
	return e
}

// ValidatePattern validates one pattern on demand. Shallow validation reads
// only the system of record; deep validation compares every replica.
func (e *Engine) ValidatePattern(ctx context.Context, patternID string, typ pattern.PatternType, deep bool) (*pattern.IntegrityResult, error) {
	return e.coordinator.Validate(ctx, patternID, typ, deep, workpool.OnDemand)
}

// CheckConsistency compares a project's patterns across the four stores.
// Empty types means every pattern type.
func (e *Engine) CheckConsistency(ctx context.Context, projectID string, types []pattern.PatternType) (*pattern.ConsistencyReport, error) {
	return e.coordinator.Check(ctx, projectID, types)
}

// GetHealth returns a project's health. It never fails; a project nothing has
// been observed for is reported as Unknown.
func (e *Engine) GetHealth(ctx context.Context, projectID string) pattern.HealthStatus {
	return e.coordinator.Health(ctx, projectID)
}

// RefreshHealth re-checks a project and re-validates its drifting patterns
// before evaluating its health.
func (e *Engine) RefreshHealth(ctx context.Context, projectID string) (pattern.HealthStatus, error) {
	return e.monitor.Refresh(ctx, projectID)
}

// TriggerRecovery runs one recovery attempt for a flagged discrepancy.
func (e *Engine) TriggerRecovery(ctx context.Context, discrepancyID string) (*pattern.RecoveryAttempt, error) {
	return e.coordinator.Recover(ctx, discrepancyID)
}

// OpenDiscrepancies lists a project's open discrepancies, most severe first.
func (e *Engine) OpenDiscrepancies(ctx context.Context, projectID string) ([]pattern.Discrepancy, error) {
	return e.ledger.Open(ctx, ledger.DiscrepancyFilter{ProjectID: projectID})
}

// Quarantined lists a project's quarantined patterns.
func (e *Engine) Quarantined(ctx context.Context, projectID string) ([]ledger.QuarantineRecord, error) {
	return e.ledger.Quarantined(ctx, projectID)
}

// ClearQuarantine releases a pattern from quarantine.
func (e *Engine) ClearQuarantine(ctx context.Context, patternID string) error {
	return e.coordinator.ClearQuarantine(ctx, patternID)
}

// Checkpoint returns the pre-repair checkpoint of a recovery attempt.
func (e *Engine) Checkpoint(ctx context.Context, attemptID string) (*pattern.Checkpoint, error) {
	return e.coordinator.Checkpoint(ctx, attemptID)
}

// Attempts returns the recovery history of a pattern, oldest first.
func (e *Engine) Attempts(ctx context.Context, patternID string) ([]pattern.RecoveryAttempt, error) {
	return e.ledger.Attempts(ctx, patternID)
}

// Sweep runs one deep sweep immediately.
func (e *Engine) Sweep(ctx context.Context) (coordinator.SweepSummary, error) {
	return e.coordinator.Sweep(ctx)
}

// Start schedules the deep sweep and shallow sampling cadences.
func (e *Engine) Start(ctx context.Context) error {
	return e.coordinator.Start(ctx)
}

// Stop halts the cadences.
func (e *Engine) Stop() {
	e.coordinator.Stop()
}

// Stores returns the adapters the engine reads.
func (e *Engine) Stores() store.Set {
	return e.stores
}

// Registry returns the Prometheus registry holding the engine's metrics.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.Registry()
}

// Close stops the cadences, drains the pool and releases every resource the
// engine opened.
func (e *Engine) Close() error {
	e.coordinator.Close()
	e.pool.Close()

	var errs []error
	if err := e.exporter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close trace exporter: %w", err))
	}
	if err := e.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	if err := closeAll(e.closers); err != nil {
		errs = append(errs, err)
	}
	e.closers = nil
	return errors.Join(errs...)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
