// Package store provides the adapters patternguard uses to reach each of the
// four replicated stores.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
)

// ErrAbsent indicates the store holds no entry for the pattern.
var ErrAbsent = errors.New("pattern absent from store")

// Adapter is the narrow interface every store exposes to the engine.
type Adapter interface {
	// Kind identifies the store.
	Kind() pattern.StoreKind

	// Exists reports whether the store holds an entry for the pattern.
	Exists(ctx context.Context, patternID string) (bool, error)

	// Checksum returns the checksum the store holds for the pattern.
	// Returns ErrAbsent if the store has no entry.
	Checksum(ctx context.Context, patternID string) (string, error)

	// LastWriteAt returns when the store last wrote the pattern.
	// Returns ErrAbsent if the store has no entry.
	LastWriteAt(ctx context.Context, patternID string) (time.Time, error)

	// Upsert writes the canonical payload for the pattern.
	// Only the recovery orchestrator calls this.
	Upsert(ctx context.Context, patternID string, payload pattern.Payload) error
}

// Snapshotter is implemented by adapters that can answer existence, checksum and
// last-write time in a single round trip.
type Snapshotter interface {
	Snapshot(ctx context.Context, patternID string) (exists bool, checksum string, lastWriteAt time.Time, err error)
}

// Counter is implemented by adapters that can report how many patterns they hold.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// ListOptions filters patterns read from the system of record.
type ListOptions struct {
	ProjectID          string
	Types              []pattern.PatternType
	TouchedSince       time.Time // zero means no lower bound
	IncludeQuarantined bool
	Limit              int // zero means unbounded
}

// SystemOfRecord is the relational store: ground truth for reconciliation.
type SystemOfRecord interface {
	Adapter

	// Get returns the canonical pattern. Returns pattern.ErrNotFound if absent.
	Get(ctx context.Context, patternID string) (*pattern.Pattern, error)

	// ListPatterns returns the patterns of a project, ordered by id.
	ListPatterns(ctx context.Context, opts ListOptions) ([]*pattern.Pattern, error)

	// Put inserts or replaces a pattern. Used by ingestion and seeding.
	Put(ctx context.Context, p *pattern.Pattern) error

	// SetQuarantined marks or clears a pattern as untrusted.
	SetQuarantined(ctx context.Context, patternID string, quarantined bool) error

	// Projects returns the distinct project IDs holding patterns, sorted.
	Projects(ctx context.Context) ([]string, error)
}

// Set bundles the adapters for the four stores.
type Set struct {
	Relational SystemOfRecord
	Graph      Adapter
	Vector     Adapter
	Cache      Adapter
}

// Get returns the adapter for a store kind.
func (s Set) Get(kind pattern.StoreKind) (Adapter, error) {
	var a Adapter
	switch kind {
	case pattern.Relational:
		if s.Relational != nil {
			a = s.Relational
		}
	case pattern.Graph:
		a = s.Graph
	case pattern.Vector:
		a = s.Vector
	case pattern.Cache:
		a = s.Cache
	default:
		return nil, fmt.Errorf("%w: %q", pattern.ErrUnknownStore, string(kind))
	}
	if a == nil {
		return nil, fmt.Errorf("no adapter configured for %s store", kind)
	}
	return a, nil
}

// Validate checks that all four adapters are configured and report the right kind.
func (s Set) Validate() error {
	for _, kind := range pattern.AllStores() {
		a, err := s.Get(kind)
		if err != nil {
			return err
		}
		if a.Kind() != kind {
			return fmt.Errorf("adapter for %s store reports kind %s", kind, a.Kind())
		}
	}
	return nil
}

type probeAnswer struct {
	exists    bool
	checksum  string
	lastWrite time.Time
	err       error
}

// Probe queries one store for a pattern, bounded by timeout. The query runs in its
// own goroutine and the wait selects on the deadline, so adapters that ignore their
// context still cannot block the caller. Any error, including cancellation, is
// absorbed into a snapshot marked TimedOut.
func Probe(ctx context.Context, a Adapter, patternID string, timeout time.Duration, epoch uint64) pattern.StoreSnapshot {
	snap := pattern.StoreSnapshot{Store: a.Kind(), Epoch: epoch}

	probeCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	answers := make(chan probeAnswer, 1)
	go func() {
		answers <- query(probeCtx, a, patternID)
	}()

	var ans probeAnswer
	select {
	case ans = <-answers:
	case <-probeCtx.Done():
		ans = probeAnswer{err: probeCtx.Err()}
	}
	snap.FetchLatencyMs = time.Since(start).Milliseconds()

	if ans.err != nil {
		snap.TimedOut = true
		snap.Error = ans.err.Error()
		return snap
	}
	snap.Exists = ans.exists
	snap.Checksum = ans.checksum
	snap.LastWriteAt = ans.lastWrite
	return snap
}

func query(ctx context.Context, a Adapter, patternID string) probeAnswer {
	if s, ok := a.(Snapshotter); ok {
		exists, checksum, lastWrite, err := s.Snapshot(ctx, patternID)
		return probeAnswer{exists: exists, checksum: checksum, lastWrite: lastWrite, err: err}
	}

	exists, err := a.Exists(ctx, patternID)
	if err != nil {
		return probeAnswer{err: err}
	}
	if !exists {
		return probeAnswer{}
	}

	checksum, err := a.Checksum(ctx, patternID)
	if errors.Is(err, ErrAbsent) {
		return probeAnswer{}
	}
	if err != nil {
		return probeAnswer{err: err}
	}

	lastWrite, err := a.LastWriteAt(ctx, patternID)
	if errors.Is(err, ErrAbsent) {
		return probeAnswer{}
	}
	if err != nil {
		return probeAnswer{err: err}
	}
	return probeAnswer{exists: true, checksum: checksum, lastWrite: lastWrite}
}

type fetchAnswer struct {
	p   *pattern.Pattern
	err error
}

// FetchReference reads the canonical pattern from the system of record, bounded by
// timeout. pattern.ErrNotFound passes through; every other failure, including the
// timeout, is reported as pattern.ErrStoreUnavailable.
func FetchReference(ctx context.Context, sor SystemOfRecord, patternID string, timeout time.Duration) (*pattern.Pattern, error) {
	fetchCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	answers := make(chan fetchAnswer, 1)
	go func() {
		p, err := sor.Get(fetchCtx, patternID)
		answers <- fetchAnswer{p: p, err: err}
	}()

	var ans fetchAnswer
	select {
	case ans = <-answers:
	case <-fetchCtx.Done():
		ans = fetchAnswer{err: fetchCtx.Err()}
	}

	switch {
	case ans.err == nil:
		return ans.p, nil
	case errors.Is(ans.err, pattern.ErrNotFound):
		return nil, ans.err
	default:
		return nil, fmt.Errorf("%w: relational: %v", pattern.ErrStoreUnavailable, ans.err)
	}
}
