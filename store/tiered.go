package store

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Compile-time interface check.
var _ Store = (*TieredStore)(nil)

// TieredStore wraps an in-memory cache (fast path) around a persistent
// backend (durable path). Writes go to the persistent store first and are
// then mirrored into memory; reads check memory first and fall back to the
// persistent store on a miss.
//
// Visit markers are cached until the next UTC midnight, after which a
// cached marker can no longer suppress a visit and is dropped.
type TieredStore struct {
	memory     *MemoryStore
	visits     *cache.Cache
	persistent Store

	// gen advances on every Reset. A record read from the persistent store
	// is only cached if no Reset completed while it was in flight.
	mu  sync.Mutex
	gen uint64
}

// NewTieredStore creates a TieredStore backed by the given persistent store.
func NewTieredStore(persistent Store) *TieredStore {
	return &TieredStore{
		memory:     NewMemoryStore(),
		visits:     cache.New(cache.NoExpiration, 10*time.Minute),
		persistent: persistent,
	}
}

// Increment writes to the persistent backend, which is the source of truth
// for the returned record, and refreshes the cached record.
func (t *TieredStore) Increment(ctx context.Context, at time.Time) (Record, error) {
	gen := t.generation()
	r, err := t.persistent.Increment(ctx, at)
	if err != nil {
		return Record{}, err
	}
	t.cache(gen, r)
	return r, nil
}

// Get reads from memory first. On a miss (zero count), it falls back to the
// persistent store and backfills memory.
func (t *TieredStore) Get(ctx context.Context) (Record, error) {
	r, err := t.memory.Get(ctx)
	if err != nil {
		return Record{}, err
	}
	if r.Count > 0 {
		return r, nil
	}

	gen := t.generation()
	r, err = t.persistent.Get(ctx)
	if err != nil {
		return Record{}, err
	}
	if r.Count > 0 {
		t.cache(gen, r)
	}
	return r, nil
}

func (t *TieredStore) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// cache stores r in memory unless a Reset finished after gen was read.
func (t *TieredStore) cache(gen uint64, r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.memory.setRecord(r)
}

// LastVisit answers from the marker cache when possible.
func (t *TieredStore) LastVisit(ctx context.Context, identity string) (time.Time, bool, error) {
	if v, ok := t.visits.Get(identity); ok {
		return v.(time.Time), true, nil
	}

	at, ok, err := t.persistent.LastVisit(ctx, identity)
	if err != nil || !ok {
		return at, ok, err
	}
	t.cacheVisit(identity, at)
	return at, true, nil
}

// MarkVisit writes through to the persistent store.
func (t *TieredStore) MarkVisit(ctx context.Context, identity string, at time.Time) error {
	if err := t.persistent.MarkVisit(ctx, identity, at); err != nil {
		return err
	}
	t.cacheVisit(identity, at.UTC())
	return nil
}

func (t *TieredStore) cacheVisit(identity string, at time.Time) {
	y, m, d := at.UTC().Date()
	ttl := time.Until(time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC))
	if ttl <= 0 {
		return
	}
	t.visits.Set(identity, at, ttl)
}

// PruneVisits prunes the persistent store and drops stale cached markers.
func (t *TieredStore) PruneVisits(ctx context.Context, before time.Time) (int64, error) {
	for id, item := range t.visits.Items() {
		if at, ok := item.Object.(time.Time); ok && at.Before(before) {
			t.visits.Delete(id)
		}
	}
	return t.persistent.PruneVisits(ctx, before)
}

// Reset removes the counter from the persistent store, then drops the
// cached record. The cache is dropped even when the persistent reset fails,
// since the stored value is then unknown.
func (t *TieredStore) Reset(ctx context.Context) error {
	err := t.persistent.Reset(ctx)

	t.mu.Lock()
	t.gen++
	t.memory.Reset(ctx)
	t.mu.Unlock()

	return err
}

// Flush flushes the persistent backend.
func (t *TieredStore) Flush(ctx context.Context) error {
	return t.persistent.Flush(ctx)
}

// Close closes the persistent backend. The in-memory layer needs no cleanup.
func (t *TieredStore) Close() error {
	return t.persistent.Close()
}
