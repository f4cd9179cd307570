package store

import (
	"context"
	"time"
)

// Record is the persisted state of the week counter.
type Record struct {
	// Count only ever grows, one step per accepted increment.
	Count uint64
	// LastIncrement is the UTC time of the last stamped increment.
	// The zero value means no stamped increment has happened yet.
	LastIncrement time.Time
}

// HasLastIncrement reports whether the record carries an increment timestamp.
func (r Record) HasLastIncrement() bool {
	return !r.LastIncrement.IsZero()
}

// Next returns the record after one increment. A non-zero at replaces
// LastIncrement unless the stored stamp is already later.
func (r Record) Next(at time.Time) Record {
	r.Count++
	if !at.IsZero() {
		at = at.UTC()
		if at.After(r.LastIncrement) {
			r.LastIncrement = at
		}
	}
	return r
}

// Store defines the interface for week counter backends.
//
// The counter family holds a single Record; the identity family holds one
// visit timestamp per identity string. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the counter record, or the zero Record if none is stored.
	Get(ctx context.Context) (Record, error)

	// Increment atomically adds one to the counter and returns the committed
	// record. When at is non-zero it is stored as LastIncrement within the
	// same transaction. Write conflicts are retried internally.
	Increment(ctx context.Context, at time.Time) (Record, error)

	// LastVisit returns the last accepted visit time for identity.
	LastVisit(ctx context.Context, identity string) (at time.Time, ok bool, err error)

	// MarkVisit records at as the last accepted visit time for identity.
	MarkVisit(ctx context.Context, identity string, at time.Time) error

	// PruneVisits removes visit markers older than before and returns how
	// many were removed.
	PruneVisits(ctx context.Context, before time.Time) (int64, error)

	// Reset removes the counter record. Visit markers are kept.
	Reset(ctx context.Context) error

	// Flush forces pending writes to durable storage.
	Flush(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
