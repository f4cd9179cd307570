package store

import (
	"context"
	"testing"
	"time"
)

// gatedStore pauses Reset or Get on the wrapped store until released, so a
// test can interleave calls through a TieredStore deterministically.
type gatedStore struct {
	*MemoryStore
	gateReset bool
	gateGet   bool
	entered   chan struct{}
	release   chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Reset(ctx context.Context) error {
	if g.gateReset {
		g.gateReset = false
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.Reset(ctx)
}

func (g *gatedStore) Get(ctx context.Context) (Record, error) {
	r, err := g.MemoryStore.Get(ctx)
	if g.gateGet {
		g.gateGet = false
		close(g.entered)
		<-g.release
	}
	return r, err
}

func newTestTieredStore(t *testing.T) (*TieredStore, *SQLiteStore) {
	t.Helper()
	persistent, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	ts := NewTieredStore(persistent)
	t.Cleanup(func() { ts.Close() })
	return ts, persistent
}

func TestTieredStorePersistentFallback(t *testing.T) {
	persistent, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer persistent.Close()

	ctx := context.Background()

	// Write data through a tiered store.
	ts1 := NewTieredStore(persistent)
	ts1.Increment(ctx, time.Time{})
	ts1.Increment(ctx, time.Time{})
	ts1.Increment(ctx, time.Time{})

	// Simulate memory loss by creating a new tiered store with the same
	// persistent backend but a fresh memory layer.
	ts2 := NewTieredStore(persistent)

	got, err := ts2.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 {
		t.Errorf("persistent fallback: got %d, want 3", got.Count)
	}
}

func TestTieredStoreServesCachedRecord(t *testing.T) {
	ts, persistent := newTestTieredStore(t)
	ctx := context.Background()

	ts.Increment(ctx, time.Time{})
	ts.Increment(ctx, time.Time{})

	// Bypass the tiered layer; the cached record still answers reads.
	persistent.Increment(ctx, time.Time{})

	got, err := ts.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 2 {
		t.Errorf("cached count = %d, want 2", got.Count)
	}
}

func TestTieredStoreCachesTodaysVisit(t *testing.T) {
	ts, persistent := newTestTieredStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := ts.MarkVisit(ctx, "10.0.0.1", now); err != nil {
		t.Fatal(err)
	}

	// Remove the marker underneath; today's marker is served from cache.
	if _, err := persistent.PruneVisits(ctx, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	at, ok, err := ts.LastVisit(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !at.Equal(now) {
		t.Errorf("cached visit = %v (ok=%v), want %v", at, ok, now)
	}
}

func TestTieredStoreSkipsCachingPastDays(t *testing.T) {
	ts, persistent := newTestTieredStore(t)
	ctx := context.Background()
	past := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	ts.MarkVisit(ctx, "10.0.0.1", past)
	persistent.PruneVisits(ctx, past.Add(time.Second))

	_, ok, err := ts.LastVisit(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("marker from a past day was served from cache")
	}
}

func TestTieredStoreReset(t *testing.T) {
	ts, persistent := newTestTieredStore(t)
	ctx := context.Background()

	ts.Increment(ctx, time.Time{})
	if err := ts.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	for name, s := range map[string]Store{"tiered": ts, "persistent": persistent} {
		got, err := s.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.Count != 0 {
			t.Errorf("%s after reset: got %d, want 0", name, got.Count)
		}
	}
}

func TestTieredStoreResetWhileIncrementing(t *testing.T) {
	persistent := newGatedStore()
	ts := NewTieredStore(persistent)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := ts.Increment(ctx, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	persistent.gateReset = true
	done := make(chan error)
	go func() { done <- ts.Reset(ctx) }()
	<-persistent.entered

	// Lands in the persistent store just before it is cleared.
	if _, err := ts.Increment(ctx, time.Time{}); err != nil {
		t.Fatal(err)
	}
	close(persistent.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	r, err := ts.Increment(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 1 {
		t.Fatalf("increment after reset: got %d, want 1", r.Count)
	}

	got, err := ts.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := persistent.MemoryStore.Get(ctx)
	if got.Count != want.Count {
		t.Errorf("tiered Get = %d, persistent = %d", got.Count, want.Count)
	}
}

func TestTieredStoreResetDuringBackfill(t *testing.T) {
	persistent := newGatedStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		persistent.MemoryStore.Increment(ctx, time.Time{})
	}
	ts := NewTieredStore(persistent)

	persistent.gateGet = true
	done := make(chan Record)
	go func() {
		r, _ := ts.Get(ctx)
		done <- r
	}()
	<-persistent.entered

	// The backfill read 3, then the counter is reset before it is cached.
	if err := ts.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	close(persistent.release)
	if r := <-done; r.Count != 3 {
		t.Fatalf("in-flight Get = %d, want 3", r.Count)
	}

	got, err := ts.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 0 {
		t.Errorf("Get after reset = %d, want 0", got.Count)
	}
}
