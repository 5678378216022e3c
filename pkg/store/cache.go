package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dgraph-io/ristretto"
)

// CacheConfig sizes the ristretto cache.
type CacheConfig struct {
	NumCounters int64         // keys tracked for admission, ~10x expected items
	MaxCost     int64         // total cost budget; each entry costs 1
	BufferItems int64         // ristretto Get buffer size
	TTL         time.Duration // zero means entries never expire
}

// DefaultCacheConfig returns sizing suitable for a single project's patterns.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		NumCounters: 1e6,
		MaxCost:     1e5,
		BufferItems: 64,
	}
}

type cacheEntry struct {
	checksum  string
	lastWrite time.Time
	payload   pattern.Payload
}

// RistrettoCacheStore is the hot-read copy of patterns, held in a ristretto cache.
// Entries may be evicted at any time, which surfaces as a missing pattern.
type RistrettoCacheStore struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// Compile-time interface checks
var (
	_ Adapter     = (*RistrettoCacheStore)(nil)
	_ Snapshotter = (*RistrettoCacheStore)(nil)
)

// NewRistrettoCacheStore creates the cache adapter.
func NewRistrettoCacheStore(cfg CacheConfig) (*RistrettoCacheStore, error) {
	def := DefaultCacheConfig()
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = def.MaxCost
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = def.BufferItems
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &RistrettoCacheStore{cache: cache, ttl: cfg.TTL}, nil
}

// Kind identifies the store.
func (s *RistrettoCacheStore) Kind() pattern.StoreKind {
	return pattern.Cache
}

// Upsert writes the payload and waits until the write is visible to readers.
func (s *RistrettoCacheStore) Upsert(ctx context.Context, patternID string, payload pattern.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	writtenAt := payload.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	entry := &cacheEntry{checksum: payload.Checksum, lastWrite: writtenAt, payload: payload}

	var ok bool
	if s.ttl > 0 {
		ok = s.cache.SetWithTTL(patternID, entry, 1, s.ttl)
	} else {
		ok = s.cache.Set(patternID, entry, 1)
	}
	if !ok {
		return fmt.Errorf("cache rejected write for %s", patternID)
	}
	s.cache.Wait()
	return nil
}

// Snapshot reads the cached entry for a pattern.
func (s *RistrettoCacheStore) Snapshot(ctx context.Context, patternID string) (bool, string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return false, "", time.Time{}, err
	}
	v, found := s.cache.Get(patternID)
	if !found {
		return false, "", time.Time{}, nil
	}
	entry, ok := v.(*cacheEntry)
	if !ok {
		return false, "", time.Time{}, fmt.Errorf("unexpected cache value %T", v)
	}
	return true, entry.checksum, entry.lastWrite, nil
}

// Exists reports whether the pattern is cached.
func (s *RistrettoCacheStore) Exists(ctx context.Context, patternID string) (bool, error) {
	exists, _, _, err := s.Snapshot(ctx, patternID)
	return exists, err
}

// Checksum returns the cached checksum.
func (s *RistrettoCacheStore) Checksum(ctx context.Context, patternID string) (string, error) {
	exists, checksum, _, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrAbsent
	}
	return checksum, nil
}

// LastWriteAt returns when the entry was written.
func (s *RistrettoCacheStore) LastWriteAt(ctx context.Context, patternID string) (time.Time, error) {
	exists, _, lastWrite, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return time.Time{}, err
	}
	if !exists {
		return time.Time{}, ErrAbsent
	}
	return lastWrite, nil
}

// Payload returns the cached payload, if present.
func (s *RistrettoCacheStore) Payload(patternID string) (pattern.Payload, bool) {
	v, found := s.cache.Get(patternID)
	if !found {
		return pattern.Payload{}, false
	}
	entry, ok := v.(*cacheEntry)
	if !ok {
		return pattern.Payload{}, false
	}
	return entry.payload, true
}

// Delete evicts a pattern.
func (s *RistrettoCacheStore) Delete(patternID string) {
	s.cache.Del(patternID)
	s.cache.Wait()
}

// Close stops the cache's background goroutines.
func (s *RistrettoCacheStore) Close() {
	s.cache.Close()
}
