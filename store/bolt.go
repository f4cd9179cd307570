package store

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Compile-time interface check.
var _ Store = (*BoltStore)(nil)

var (
	counterBucket = []byte("weeks")
	visitsBucket  = []byte("visits")
	counterKey    = []byte("current_week")
)

// BoltStore is a persistent Store backed by a bbolt file. bbolt admits a
// single writer at a time, so every Increment is serialised by db.Update and
// never conflicts.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt file at path and ensures the
// counter and visit buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("weekcount/store: open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{counterBucket, visitsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("weekcount/store: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get returns the current counter record.
func (b *BoltStore) Get(_ context.Context) (Record, error) {
	var r Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = DecodeRecord(tx.Bucket(counterBucket).Get(counterKey))
		return err
	})
	if err != nil {
		return Record{}, storageErr("get", err)
	}
	return r, nil
}

// Increment atomically adds one to the counter.
func (b *BoltStore) Increment(_ context.Context, at time.Time) (Record, error) {
	var r Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(counterBucket)
		cur, err := DecodeRecord(bkt.Get(counterKey))
		if err != nil {
			return err
		}
		next := cur.Next(at)
		data, err := EncodeRecord(next)
		if err != nil {
			return err
		}
		if err := bkt.Put(counterKey, data); err != nil {
			return err
		}
		r = next
		return nil
	})
	if err != nil {
		return Record{}, storageErr("increment", err)
	}
	return r, nil
}

// LastVisit returns the last visit time recorded for identity.
func (b *BoltStore) LastVisit(_ context.Context, identity string) (time.Time, bool, error) {
	var raw string
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(visitsBucket).Get(visitKey(identity)); v != nil {
			raw = string(v)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, storageErr("last visit", err)
	}
	if raw == "" {
		return time.Time{}, false, nil
	}

	at, err := DecodeTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// MarkVisit records the visit time for identity.
func (b *BoltStore) MarkVisit(_ context.Context, identity string, at time.Time) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(visitsBucket).Put(visitKey(identity), []byte(EncodeTime(at)))
	})
	return storageErr("mark visit", err)
}

// PruneVisits removes visit markers older than before. Markers whose
// timestamp cannot be parsed are left in place.
func (b *BoltStore) PruneVisits(_ context.Context, before time.Time) (int64, error) {
	var removed int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(visitsBucket)

		var stale [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			at, err := DecodeTime(string(v))
			if err == nil && at.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return nil
	})
	if err != nil {
		return 0, storageErr("prune visits", err)
	}
	return removed, nil
}

// Reset removes the counter record.
func (b *BoltStore) Reset(_ context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(counterBucket).Delete(counterKey)
	})
	return storageErr("reset", err)
}

// Flush fsyncs the database file.
func (b *BoltStore) Flush(_ context.Context) error {
	return storageErr("flush", b.db.Sync())
}

// Close closes the bbolt file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func visitKey(identity string) []byte {
	return []byte("ip:" + identity)
}
