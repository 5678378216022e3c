// Package recovery repairs flagged discrepancies from the system of record.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dan-solli/patternguard/pkg/embeddings"
	"github.com/dan-solli/patternguard/pkg/ledger"
	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/dan-solli/patternguard/pkg/trace"
	"github.com/oklog/ulid/v2"
)

// Config tunes strategy selection and store access.
type Config struct {
	FailureThreshold int           // consecutive failures before a pattern is quarantined
	StoreTimeout     time.Duration // bound on each read and write
}

// DefaultConfig returns the default threshold and timeout.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 2,
		StoreTimeout:     200 * time.Millisecond,
	}
}

// embeddingWriter is implemented by vector adapters that accept precomputed embeddings.
type embeddingWriter interface {
	UpsertEmbedding(ctx context.Context, patternID string, payload pattern.Payload, embedding []float32) error
}

// Orchestrator is the recovery orchestrator. It performs one attempt per call
// and never retries; retrying belongs to the caller's next cycle.
type Orchestrator struct {
	stores       store.Set
	ledger       *ledger.Ledger
	cfg          Config
	embedder     embeddings.Client
	onCheckpoint func(pattern.Checkpoint)
	logger       *slog.Logger
	metrics      metrics.Collector
	exporter     trace.Exporter
}

// New creates an orchestrator over the stores and the ledger.
func New(stores store.Set, l *ledger.Ledger, cfg Config) *Orchestrator {
	return &Orchestrator{
		stores:  stores,
		ledger:  l,
		cfg:     cfg,
		metrics: metrics.NewNoopCollector(),
	}
}

// WithEmbedder sets the embedding collaborator used by Reindex.
func (o *Orchestrator) WithEmbedder(e embeddings.Client) *Orchestrator {
	o.embedder = e
	return o
}

// WithCheckpointHook registers a function called with every checkpoint once it is persisted.
func (o *Orchestrator) WithCheckpointHook(fn func(pattern.Checkpoint)) *Orchestrator {
	o.onCheckpoint = fn
	return o
}

// WithLogger sets the logger and returns the orchestrator for chaining.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithMetrics sets the metrics collector and returns the orchestrator for chaining.
func (o *Orchestrator) WithMetrics(c metrics.Collector) *Orchestrator {
	if c != nil {
		o.metrics = c
	}
	return o
}

// WithExporter sets the trace exporter and returns the orchestrator for chaining.
func (o *Orchestrator) WithExporter(exp trace.Exporter) *Orchestrator {
	o.exporter = exp
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// SelectStrategy picks the repair for a discrepancy.
//
// A system of record that fails its own checksum cannot be the source of a
// repair, and a pattern that has already failed failureThreshold consecutive
// attempts is not tried again: both are quarantined. A stale vector entry is
// re-embedded; every other drift is re-synced from the system of record.
func SelectStrategy(d pattern.Discrepancy, refIntact bool, failures, failureThreshold int) pattern.RecoveryStrategy {
	switch {
	case !refIntact, d.Store.IsSystemOfRecord():
		return pattern.StrategyQuarantine
	case failureThreshold > 0 && failures >= failureThreshold:
		return pattern.StrategyQuarantine
	case d.Reason == pattern.ReasonStale && d.Store == pattern.Vector:
		return pattern.StrategyReindex
	}
	return pattern.StrategyResync
}

// Recover performs one repair attempt for a flagged discrepancy.
//
// It fails without an attempt with pattern.ErrUnknownDiscrepancy,
// pattern.ErrDiscrepancyResolved or pattern.ErrTransientDiscrepancy when the
// discrepancy cannot be repaired, and with pattern.ErrStoreUnavailable when the
// system of record cannot be read. Otherwise the attempt is checkpointed,
// executed, verified and recorded; a failed attempt is returned together with
// an error wrapping pattern.ErrRecoveryFailed.
func (o *Orchestrator) Recover(ctx context.Context, discrepancyID string) (*pattern.RecoveryAttempt, error) {
	op := trace.Start("recover", map[string]interface{}{"discrepancyId": discrepancyID})

	attempt, err := o.recover(ctx, op, discrepancyID)

	partial := attempt != nil && !attempt.Success
	if _, xerr := op.Export(context.WithoutCancel(ctx), o.exporter, errIfNoAttempt(attempt, err), partial); xerr != nil {
		o.log().Error("trace export failed", "operation", "recover", "error", xerr)
	}
	if err != nil && attempt == nil {
		o.metrics.RecordError(ctx, "recover", pattern.ClassifyError(err))
	}
	return attempt, err
}

func errIfNoAttempt(a *pattern.RecoveryAttempt, err error) error {
	if a != nil {
		return nil
	}
	return err
}

func (o *Orchestrator) recover(ctx context.Context, op *trace.Operation, discrepancyID string) (*pattern.RecoveryAttempt, error) {
	rec, err := o.ledger.GetDiscrepancy(ctx, discrepancyID)
	if err != nil {
		return nil, err
	}
	d := rec.Discrepancy
	op.SetID("patternId", d.PatternID)
	op.SetID("store", string(d.Store))

	switch {
	case rec.Status != ledger.StatusOpen:
		return nil, fmt.Errorf("%w: %s", pattern.ErrDiscrepancyResolved, discrepancyID)
	case d.Reason.Transient():
		return nil, fmt.Errorf("%w: %s", pattern.ErrTransientDiscrepancy, discrepancyID)
	}

	ref, err := store.FetchReference(ctx, o.stores.Relational, d.PatternID, o.cfg.StoreTimeout)
	if errors.Is(err, pattern.ErrNotFound) {
		// The pattern is gone from the system of record; its drift no longer matters.
		if _, rerr := o.ledger.ResolvePattern(ctx, d.PatternID); rerr != nil {
			return nil, rerr
		}
		o.log().Info("discrepancy closed, pattern deleted", "discrepancy_id", discrepancyID, "pattern_id", d.PatternID)
		return nil, fmt.Errorf("recover %s: %w", discrepancyID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", discrepancyID, err)
	}

	failures, err := o.ledger.ConsecutiveFailures(ctx, d.PatternID)
	if err != nil {
		return nil, err
	}

	attempt := &pattern.RecoveryAttempt{
		ID:            ulid.Make().String(),
		DiscrepancyID: rec.ID,
		PatternID:     d.PatternID,
		ProjectID:     ref.ProjectID,
		Store:         d.Store,
		Strategy:      SelectStrategy(d, ref.Intact(), failures, o.cfg.FailureThreshold),
		StartedAt:     time.Now(),
	}
	op.SetID("attemptId", attempt.ID)
	op.SetID("strategy", string(attempt.Strategy))

	span := op.Span("checkpoint")
	err = o.checkpoint(ctx, attempt, d, ref)
	span.Finish(err, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", attempt.ID, err)
	}

	span = op.Span("repair")
	execErr := o.execute(ctx, attempt, d, ref)
	span.Finish(execErr, nil)

	if execErr == nil && attempt.Strategy != pattern.StrategyQuarantine {
		span = op.Span("verify")
		execErr = o.verify(ctx, d.Store, ref)
		span.Finish(execErr, nil)
	}

	attempt.Success = execErr == nil
	if execErr != nil {
		attempt.Error = execErr.Error()
	}
	attempt.CompletedAt = time.Now()

	if err := o.settle(ctx, attempt, failures); err != nil {
		return attempt, err
	}

	o.metrics.RecordRecovery(ctx, string(attempt.Strategy), attempt.Success)
	if !attempt.Success {
		o.log().Warn("recovery failed",
			"attempt_id", attempt.ID,
			"pattern_id", attempt.PatternID,
			"store", attempt.Store,
			"strategy", attempt.Strategy,
			"error", execErr)
		return attempt, fmt.Errorf("%w: %s via %s: %v", pattern.ErrRecoveryFailed, attempt.PatternID, attempt.Strategy, execErr)
	}
	o.log().Info("recovery succeeded",
		"attempt_id", attempt.ID,
		"pattern_id", attempt.PatternID,
		"store", attempt.Store,
		"strategy", attempt.Strategy,
		"duration_ms", attempt.CompletedAt.Sub(attempt.StartedAt).Milliseconds())
	return attempt, nil
}

// checkpoint captures the target store's state before anything is written.
func (o *Orchestrator) checkpoint(ctx context.Context, a *pattern.RecoveryAttempt, d pattern.Discrepancy, ref *pattern.Pattern) error {
	cp := pattern.Checkpoint{
		AttemptID:   a.ID,
		Strategy:    a.Strategy,
		Discrepancy: d,
		Reference:   ref,
		CreatedAt:   time.Now(),
	}
	if target, err := o.stores.Get(d.Store); err == nil {
		cp.Target = store.Probe(ctx, target, d.PatternID, o.cfg.StoreTimeout, d.Epoch)
	} else {
		cp.Target = pattern.StoreSnapshot{Store: d.Store, TimedOut: true, Error: err.Error(), Epoch: d.Epoch}
	}

	if err := o.ledger.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	if o.onCheckpoint != nil {
		o.onCheckpoint(cp)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, a *pattern.RecoveryAttempt, d pattern.Discrepancy, ref *pattern.Pattern) error {
	ctx, cancel := o.bound(ctx)
	defer cancel()

	switch a.Strategy {
	case pattern.StrategyResync:
		target, err := o.stores.Get(d.Store)
		if err != nil {
			return err
		}
		return target.Upsert(ctx, ref.ID, ref.Payload())

	case pattern.StrategyReindex:
		return o.reindex(ctx, ref)

	case pattern.StrategyQuarantine:
		if err := o.stores.Relational.SetQuarantined(ctx, ref.ID, true); err != nil {
			return fmt.Errorf("mark quarantined: %w", err)
		}
		return o.ledger.Quarantine(ctx, ledger.QuarantineRecord{
			PatternID: ref.ID,
			ProjectID: ref.ProjectID,
			Reason:    quarantineReason(d, ref),
			AttemptID: a.ID,
		})
	}
	return fmt.Errorf("unknown recovery strategy %q", a.Strategy)
}

// reindex re-embeds the pattern through the embedding collaborator when the
// vector adapter accepts precomputed embeddings, and otherwise lets the
// adapter embed on upsert.
func (o *Orchestrator) reindex(ctx context.Context, ref *pattern.Pattern) error {
	payload := ref.Payload()
	writer, ok := o.stores.Vector.(embeddingWriter)
	if !ok || o.embedder == nil {
		return o.stores.Vector.Upsert(ctx, ref.ID, payload)
	}
	embedding, err := o.embedder.EmbedOne(ctx, store.EmbeddingText(payload))
	if err != nil {
		return fmt.Errorf("re-embed pattern: %w", err)
	}
	return writer.UpsertEmbedding(ctx, ref.ID, payload, embedding)
}

// verify re-probes the repaired store: the repair holds only if the store now
// carries the system-of-record checksum.
func (o *Orchestrator) verify(ctx context.Context, kind pattern.StoreKind, ref *pattern.Pattern) error {
	target, err := o.stores.Get(kind)
	if err != nil {
		return err
	}
	snap := store.Probe(ctx, target, ref.ID, o.cfg.StoreTimeout, 0)
	switch {
	case snap.TimedOut:
		return fmt.Errorf("verify %s: %w: %s", kind, pattern.ErrStoreUnavailable, snap.Error)
	case !snap.Exists:
		return fmt.Errorf("verify %s: still missing", kind)
	case snap.Checksum != ref.Checksum:
		return fmt.Errorf("verify %s: checksum %s, want %s", kind, snap.Checksum, ref.Checksum)
	}
	return nil
}

// settle records the attempt and updates the discrepancy registry.
func (o *Orchestrator) settle(ctx context.Context, a *pattern.RecoveryAttempt, failures int) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.ledger.RecordAttempt(ctx, *a); err != nil {
		o.log().Error("failed to record recovery attempt", "attempt_id", a.ID, "error", err)
		return err
	}

	switch {
	case a.Success && a.Strategy == pattern.StrategyQuarantine:
		// Quarantined patterns leave normal checks; their drift is handed to manual review.
		_, err := o.ledger.ResolvePattern(ctx, a.PatternID)
		return err
	case a.Success:
		_, err := o.ledger.Resolve(ctx, a.PatternID, a.Store)
		return err
	case o.cfg.FailureThreshold > 0 && failures+1 >= o.cfg.FailureThreshold:
		n, err := o.ledger.Escalate(ctx, a.PatternID, pattern.SeverityHigh)
		if n > 0 {
			o.log().Warn("discrepancies escalated after repeated recovery failures",
				"pattern_id", a.PatternID, "failures", failures+1)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.cfg.StoreTimeout)
}

func quarantineReason(d pattern.Discrepancy, ref *pattern.Pattern) string {
	if !ref.Intact() || d.Store.IsSystemOfRecord() {
		return "system of record failed its checksum"
	}
	return fmt.Sprintf("repeated recovery failures: %s in %s", d.Reason, d.Store)
}
