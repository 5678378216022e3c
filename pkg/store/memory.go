package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
)

// MemoryStore is an in-process adapter for any store kind. It backs tests and
// drills, and can inject latency, failures and drift on demand.
type MemoryStore struct {
	kind pattern.StoreKind

	mu        sync.Mutex
	patterns  map[string]*pattern.Pattern
	delay     time.Duration
	failure   error
	upsertErr error
	gate      chan struct{}

	snapshots atomic.Int64
	upserts   atomic.Int64
}

// Compile-time interface checks
var (
	_ SystemOfRecord = (*MemoryStore)(nil)
	_ Snapshotter    = (*MemoryStore)(nil)
	_ Counter        = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store of the given kind.
func NewMemoryStore(kind pattern.StoreKind) *MemoryStore {
	return &MemoryStore{kind: kind, patterns: make(map[string]*pattern.Pattern)}
}

// NewMemorySet returns a Set of four in-memory stores.
func NewMemorySet() (Set, map[pattern.StoreKind]*MemoryStore) {
	stores := make(map[pattern.StoreKind]*MemoryStore, 4)
	for _, k := range pattern.AllStores() {
		stores[k] = NewMemoryStore(k)
	}
	return Set{
		Relational: stores[pattern.Relational],
		Graph:      stores[pattern.Graph],
		Vector:     stores[pattern.Vector],
		Cache:      stores[pattern.Cache],
	}, stores
}

// SetDelay makes every read wait d before answering.
func (m *MemoryStore) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetFailure makes every read fail with err. Nil clears it.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// SetUpsertFailure makes every write fail with err. Nil clears it.
func (m *MemoryStore) SetUpsertFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// Block holds every read until Release is called.
func (m *MemoryStore) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// Release lets blocked reads proceed.
func (m *MemoryStore) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// SnapshotCalls returns how many reads reached the store.
func (m *MemoryStore) SnapshotCalls() int64 {
	return m.snapshots.Load()
}

// UpsertCalls returns how many writes reached the store.
func (m *MemoryStore) UpsertCalls() int64 {
	return m.upserts.Load()
}

// SetChecksum overwrites the held checksum without touching the write time.
func (m *MemoryStore) SetChecksum(patternID, checksum string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patterns[patternID]; ok {
		p.Checksum = checksum
	}
}

// SetContent overwrites the held content, leaving the stored checksum stale.
func (m *MemoryStore) SetContent(patternID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patterns[patternID]; ok {
		p.Content = content
	}
}

// SetLastWrite overwrites the held write time.
func (m *MemoryStore) SetLastWrite(patternID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patterns[patternID]; ok {
		p.UpdatedAt = at
	}
}

// Delete drops a pattern.
func (m *MemoryStore) Delete(patternID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, patternID)
}

// Kind identifies the store.
func (m *MemoryStore) Kind() pattern.StoreKind {
	return m.kind
}

func (m *MemoryStore) wait(ctx context.Context) error {
	m.mu.Lock()
	delay, gate, failure := m.delay, m.gate, m.failure
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

func clonePattern(p *pattern.Pattern) *pattern.Pattern {
	cp := *p
	if p.Fields != nil {
		cp.Fields = make(map[string]interface{}, len(p.Fields))
		for k, v := range p.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// Put inserts or replaces a pattern.
func (m *MemoryStore) Put(ctx context.Context, p *pattern.Pattern) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Checksum == "" {
		p.Checksum = p.Recompute()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.ID] = clonePattern(p)
	return nil
}

// Get returns the held pattern.
func (m *MemoryStore) Get(ctx context.Context, patternID string) (*pattern.Pattern, error) {
	m.snapshots.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[patternID]
	if !ok {
		return nil, pattern.ErrNotFound
	}
	return clonePattern(p), nil
}

// ListPatterns returns the matching patterns ordered by id.
func (m *MemoryStore) ListPatterns(ctx context.Context, opts ListOptions) ([]*pattern.Pattern, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	types := make(map[pattern.PatternType]bool, len(opts.Types))
	for _, t := range opts.Types {
		types[t] = true
	}

	m.mu.Lock()
	var out []*pattern.Pattern
	for _, p := range m.patterns {
		if p.ProjectID != opts.ProjectID {
			continue
		}
		if len(types) > 0 && !types[p.Type] {
			continue
		}
		if !opts.TouchedSince.IsZero() && p.UpdatedAt.Before(opts.TouchedSince) {
			continue
		}
		if p.Quarantined && !opts.IncludeQuarantined {
			continue
		}
		out = append(out, clonePattern(p))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Projects returns the distinct project IDs holding patterns.
func (m *MemoryStore) Projects(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	seen := make(map[string]bool)
	for _, p := range m.patterns {
		seen[p.ProjectID] = true
	}
	m.mu.Unlock()

	projects := make([]string, 0, len(seen))
	for id := range seen {
		projects = append(projects, id)
	}
	sort.Strings(projects)
	return projects, nil
}

// SetQuarantined marks or clears a pattern as untrusted.
func (m *MemoryStore) SetQuarantined(ctx context.Context, patternID string, quarantined bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	p, ok := m.patterns[patternID]
	if !ok {
		return pattern.ErrNotFound
	}
	p.Quarantined = quarantined
	return nil
}

// Snapshot answers existence, checksum and last write.
func (m *MemoryStore) Snapshot(ctx context.Context, patternID string) (bool, string, time.Time, error) {
	m.snapshots.Add(1)
	if err := m.wait(ctx); err != nil {
		return false, "", time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[patternID]
	if !ok {
		return false, "", time.Time{}, nil
	}
	return true, p.Checksum, p.UpdatedAt, nil
}

// Exists reports whether the pattern is held.
func (m *MemoryStore) Exists(ctx context.Context, patternID string) (bool, error) {
	exists, _, _, err := m.Snapshot(ctx, patternID)
	return exists, err
}

// Checksum returns the held checksum.
func (m *MemoryStore) Checksum(ctx context.Context, patternID string) (string, error) {
	exists, checksum, _, err := m.Snapshot(ctx, patternID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrAbsent
	}
	return checksum, nil
}

// LastWriteAt returns the held write time.
func (m *MemoryStore) LastWriteAt(ctx context.Context, patternID string) (time.Time, error) {
	exists, _, lastWrite, err := m.Snapshot(ctx, patternID)
	if err != nil {
		return time.Time{}, err
	}
	if !exists {
		return time.Time{}, ErrAbsent
	}
	return lastWrite, nil
}

// Upsert writes the payload, preserving created_at and quarantine.
func (m *MemoryStore) Upsert(ctx context.Context, patternID string, payload pattern.Payload) error {
	m.upserts.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}

	writtenAt := payload.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	p := &pattern.Pattern{
		ID:        patternID,
		ProjectID: payload.ProjectID,
		Type:      payload.Type,
		Content:   payload.Content,
		Fields:    payload.Fields,
		Checksum:  payload.Checksum,
		CreatedAt: writtenAt,
		UpdatedAt: writtenAt,
	}
	if existing, ok := m.patterns[patternID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.Quarantined = existing.Quarantined
	}
	m.patterns[patternID] = clonePattern(p)
	return nil
}

// Count returns the number of held patterns.
func (m *MemoryStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.patterns)), nil
}
