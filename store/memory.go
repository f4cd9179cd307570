package store

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation.
// It is safe for concurrent use. State is lost on process restart.
type MemoryStore struct {
	mu     sync.Mutex
	record *Record
	visits map[string]time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits: make(map[string]time.Time),
	}
}

// Get returns the current counter record.
func (m *MemoryStore) Get(_ context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record == nil {
		return Record{}, nil
	}
	return *m.record, nil
}

// Increment atomically adds one to the counter.
func (m *MemoryStore) Increment(_ context.Context, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Record
	if m.record != nil {
		r = *m.record
	}
	r = r.Next(at)
	m.record = &r
	return r, nil
}

// LastVisit returns the last visit time recorded for identity.
func (m *MemoryStore) LastVisit(_ context.Context, identity string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.visits[identity]
	return at, ok, nil
}

// MarkVisit records the visit time for identity.
func (m *MemoryStore) MarkVisit(_ context.Context, identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.visits[identity] = at.UTC()
	return nil
}

// PruneVisits removes visit markers older than before.
func (m *MemoryStore) PruneVisits(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, at := range m.visits {
		if at.Before(before) {
			delete(m.visits, id)
			removed++
		}
	}
	return removed, nil
}

// Reset removes the counter record.
func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record = nil
	return nil
}

// setRecord replaces the cached record unless the cached one is newer.
func (m *MemoryStore) setRecord(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.record != nil && m.record.Count > r.Count {
		return
	}
	m.record = &r
}

// Flush is a no-op for the in-memory store.
func (m *MemoryStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
