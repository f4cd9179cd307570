package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestBoltStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weeks.bolt")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	s, path := newTestBoltStore(t)
	s.Increment(ctx, at)
	s.MarkVisit(ctx, "10.0.0.1", at)
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	r, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 1 || !r.LastIncrement.Equal(at) {
		t.Errorf("record after reopen = %+v", r)
	}
	if _, ok, _ := s.LastVisit(ctx, "10.0.0.1"); !ok {
		t.Error("visit marker lost on reopen")
	}
}

func TestBoltStoreCorruptRecord(t *testing.T) {
	s, _ := newTestBoltStore(t)
	defer s.Close()
	ctx := context.Background()

	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(counterBucket).Put(counterKey, []byte{0xff, 0xfe})
	})

	if _, err := s.Get(ctx); !errors.Is(err, ErrSerialization) {
		t.Errorf("Get err = %v, want ErrSerialization", err)
	}
	if _, err := s.Increment(ctx, time.Time{}); !errors.Is(err, ErrSerialization) {
		t.Errorf("Increment err = %v, want ErrSerialization", err)
	}
}

func TestBoltStoreCorruptVisit(t *testing.T) {
	s, _ := newTestBoltStore(t)
	defer s.Close()
	ctx := context.Background()

	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(visitsBucket).Put(visitKey("10.0.0.1"), []byte("last tuesday"))
	})

	_, _, err := s.LastVisit(ctx, "10.0.0.1")
	if !errors.Is(err, ErrTimestamp) {
		t.Errorf("LastVisit err = %v, want ErrTimestamp", err)
	}

	// Unparseable markers are left alone by pruning.
	n, err := s.PruneVisits(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pruned %d, want 0", n)
	}
}
