// Package storetest runs the behaviour every store.Store must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
)

// Factory returns a fresh, empty store. The factory owns cleanup.
type Factory func(t *testing.T) store.Store

var day1 = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

// Run exercises s against the full store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyGet", func(t *testing.T) { testEmptyGet(t, newStore(t)) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("IncrementStamps", func(t *testing.T) { testIncrementStamps(t, newStore(t)) })
	t.Run("StampNeverMovesBack", func(t *testing.T) { testStampNeverMovesBack(t, newStore(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, newStore(t)) })
	t.Run("HighContention", func(t *testing.T) { testHighContention(t, newStore(t)) })
	t.Run("ConcurrentReset", func(t *testing.T) { testConcurrentReset(t, newStore(t)) })
	t.Run("ConcurrentPrune", func(t *testing.T) { testConcurrentPrune(t, newStore(t)) })
	t.Run("Visits", func(t *testing.T) { testVisits(t, newStore(t)) })
	t.Run("PruneVisits", func(t *testing.T) { testPruneVisits(t, newStore(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newStore(t)) })
	t.Run("Flush", func(t *testing.T) { testFlush(t, newStore(t)) })
}

func testEmptyGet(t *testing.T, s store.Store) {
	r, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Count)
	assert.False(t, r.HasLastIncrement())
}

func testIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		r, err := s.Increment(ctx, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, i, r.Count, "increment %d", i)
		assert.False(t, r.HasLastIncrement(), "unstamped increment set a timestamp")
	}

	r, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), r.Count)
}

func testIncrementStamps(t *testing.T, s store.Store) {
	ctx := context.Background()

	r, err := s.Increment(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Count)
	assert.True(t, day1.Equal(r.LastIncrement))

	// An unstamped increment keeps the previous stamp.
	r, err = s.Increment(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Count)
	assert.True(t, day1.Equal(r.LastIncrement))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Count)
	assert.True(t, day1.Equal(got.LastIncrement))
	assert.Equal(t, time.UTC, got.LastIncrement.Location())
}

func testStampNeverMovesBack(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Increment(ctx, day1.Add(time.Hour))
	require.NoError(t, err)
	r, err := s.Increment(ctx, day1)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), r.Count)
	assert.True(t, day1.Add(time.Hour).Equal(r.LastIncrement))
}

func testConcurrentIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	const (
		workers = 20
		perWork = 10
	)

	_, err := s.Increment(ctx, time.Time{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWork)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWork; j++ {
				_, err := s.Increment(ctx, day1)
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	r, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+workers*perWork), r.Count)
}

// testHighContention has every caller increment exactly once, all at the
// same moment. No caller may see an error.
func testHighContention(t *testing.T, s store.Store) {
	ctx := context.Background()
	const callers = 1000

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Increment(ctx, day1)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			failed++
		}
	}
	require.Zero(t, failed, "increments failed under contention")

	r, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(callers), r.Count)
}

func testConcurrentReset(t *testing.T, s store.Store) {
	ctx := context.Background()
	const workers = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*10+5)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := s.Increment(ctx, time.Time{})
				errs <- err
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			errs <- s.Reset(ctx)
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// Whatever survived, reads and writes agree once things settle.
	r, err := s.Increment(ctx, time.Time{})
	require.NoError(t, err)
	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, r.Count, got.Count)

	require.NoError(t, s.Reset(ctx))
	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Count)
}

// testConcurrentPrune rewrites stale markers while they are being pruned.
// A marker rewritten with a fresh time must never be removed.
func testConcurrentPrune(t *testing.T, s store.Store) {
	ctx := context.Background()
	const identities = 50
	stale := day1.Add(-48 * time.Hour)

	ids := make([]string, identities)
	for i := range ids {
		ids[i] = fmt.Sprintf("10.0.1.%d", i)
		require.NoError(t, s.MarkVisit(ctx, ids[i], stale))
	}

	var wg sync.WaitGroup
	errs := make(chan error, identities+1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := s.PruneVisits(ctx, day1.Add(-time.Hour))
		errs <- err
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			errs <- s.MarkVisit(ctx, id, day1)
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range ids {
		at, ok, err := s.LastVisit(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "fresh marker for %s was pruned", id)
		assert.True(t, day1.Equal(at), "marker for %s = %v", id, at)
	}
}

func testVisits(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.LastVisit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkVisit(ctx, "10.0.0.1", day1))
	at, ok, err := s.LastVisit(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, day1.Equal(at))

	// Later markers overwrite earlier ones.
	later := day1.Add(36 * time.Hour)
	require.NoError(t, s.MarkVisit(ctx, "10.0.0.1", later))
	at, _, err = s.LastVisit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, later.Equal(at))

	_, ok, err = s.LastVisit(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, ok, "markers leak across identities")
}

func testPruneVisits(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.MarkVisit(ctx, "old", day1.Add(-48*time.Hour)))
	require.NoError(t, s.MarkVisit(ctx, "new", day1))

	n, err := s.PruneVisits(ctx, day1.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := s.LastVisit(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LastVisit(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testReset(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Increment(ctx, day1)
	require.NoError(t, err)
	require.NoError(t, s.MarkVisit(ctx, "10.0.0.1", day1))

	require.NoError(t, s.Reset(ctx))

	r, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Record{}, r)

	_, ok, err := s.LastVisit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "reset must keep visit markers")

	r, err = s.Increment(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Count)
}

func testFlush(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Increment(ctx, day1)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
}
