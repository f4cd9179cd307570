package weekcount

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
)

var noon = time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

// faultyStore wraps a MemoryStore and fails selected operations.
type faultyStore struct {
	*store.MemoryStore
	failGet       bool
	failLastVisit bool
	failIncrement bool
	failMark      bool
	failFlush     bool
}

var errBoom = errors.New("boom")

func (f *faultyStore) Get(ctx context.Context) (store.Record, error) {
	if f.failGet {
		return store.Record{}, store.StorageError("get", errBoom)
	}
	return f.MemoryStore.Get(ctx)
}

func (f *faultyStore) LastVisit(ctx context.Context, id string) (time.Time, bool, error) {
	if f.failLastVisit {
		return time.Time{}, false, store.StorageError("last visit", errBoom)
	}
	return f.MemoryStore.LastVisit(ctx, id)
}

func (f *faultyStore) Increment(ctx context.Context, at time.Time) (store.Record, error) {
	if f.failIncrement {
		return store.Record{}, store.StorageError("increment", errBoom)
	}
	return f.MemoryStore.Increment(ctx, at)
}

func (f *faultyStore) MarkVisit(ctx context.Context, id string, at time.Time) error {
	if f.failMark {
		return store.StorageError("mark visit", errBoom)
	}
	return f.MemoryStore.MarkVisit(ctx, id, at)
}

func (f *faultyStore) Flush(ctx context.Context) error {
	if f.failFlush {
		return store.StorageError("flush", errBoom)
	}
	return f.MemoryStore.Flush(ctx)
}

func TestCountEmpty(t *testing.T) {
	c := New()
	defer c.Close()

	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := c.Record(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.HasLastIncrement())
}

func TestIncrementDoesNotStamp(t *testing.T) {
	c := New(WithClock(NewManualClock(noon)))
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		n, err := c.Increment(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	rec, err := c.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Count)
	assert.False(t, rec.HasLastIncrement())
}

func TestIncrementOnceStampsRecord(t *testing.T) {
	c := New(WithClock(NewManualClock(noon)))
	ctx := context.Background()

	ok, err := c.IncrementOnce(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := c.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Count)
	assert.True(t, rec.LastIncrement.Equal(noon))
}

func TestIncrementOnceSameDay(t *testing.T) {
	clk := NewManualClock(noon)
	c := New(WithClock(clk))
	ctx := context.Background()

	ok, err := c.IncrementOnce(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(11 * time.Hour)
	ok, err = c.IncrementOnce(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "second visit on the same UTC day")

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestIncrementOnceAcrossMidnight(t *testing.T) {
	clk := NewManualClock(time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC))
	c := New(WithClock(clk))
	ctx := context.Background()

	ok, err := c.IncrementOnce(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)

	// Two minutes later is a new calendar day even though far less than
	// 24 hours have passed.
	clk.Advance(2 * time.Minute)
	ok, err = c.IncrementOnce(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestIncrementOnceUsesUTC(t *testing.T) {
	// 19:30 in UTC-5 is already the next day in UTC.
	est := time.FixedZone("EST", -5*60*60)
	clk := NewManualClock(time.Date(2024, 3, 5, 18, 0, 0, 0, est))
	c := New(WithClock(clk))
	ctx := context.Background()

	ok, err := c.IncrementOnce(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Set(time.Date(2024, 3, 5, 19, 30, 0, 0, est))
	ok, err = c.IncrementOnce(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMixedScenario(t *testing.T) {
	c := New(WithClock(NewManualClock(noon)))
	ctx := context.Background()

	ok, err := c.IncrementOnce(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
	assertCount(t, c, 1)

	ok, err = c.IncrementOnce(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	assertCount(t, c, 1)

	ok, err = c.IncrementOnce(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ok)
	assertCount(t, c, 2)

	n, err := c.Increment(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestConcurrentIncrements(t *testing.T) {
	c := New()
	ctx := context.Background()

	const goroutines, perG = 16, 25
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				_, err := c.Increment(ctx)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assertCount(t, c, goroutines*perG)
}

func TestConcurrentDistinctIdentities(t *testing.T) {
	c := New(WithClock(NewManualClock(noon)))
	ctx := context.Background()

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := c.IncrementOnce(ctx, id)
			assert.NoError(t, err)
			assert.True(t, ok)
		}(id)
	}
	wg.Wait()

	assertCount(t, c, uint64(len(ids)))
}

func TestReset(t *testing.T) {
	c := New(WithClock(NewManualClock(noon)))
	ctx := context.Background()

	_, err := c.IncrementOnce(ctx, "a")
	require.NoError(t, err)
	_, err = c.Increment(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Reset(ctx))
	assertCount(t, c, 0)

	// Markers survive a reset.
	ok, err := c.IncrementOnce(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkerFailureStillCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	fs := &faultyStore{MemoryStore: store.NewMemoryStore(), failMark: true}
	c := New(WithStore(fs), WithClock(NewManualClock(noon)), WithRegisterer(reg))
	ctx := context.Background()

	ok, err := c.IncrementOnce(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assertCount(t, c, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.markerFailures))

	// No marker was written, so the same identity counts again.
	ok, err = c.IncrementOnce(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assertCount(t, c, 2)
}

func TestErrorsPropagate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		fs   *faultyStore
		call func(*Counter) error
	}{
		{
			name: "count",
			fs:   &faultyStore{failGet: true},
			call: func(c *Counter) error { _, err := c.Count(ctx); return err },
		},
		{
			name: "increment",
			fs:   &faultyStore{failIncrement: true},
			call: func(c *Counter) error { _, err := c.Increment(ctx); return err },
		},
		{
			name: "increment once lookup",
			fs:   &faultyStore{failLastVisit: true},
			call: func(c *Counter) error { _, err := c.IncrementOnce(ctx, "a"); return err },
		},
		{
			name: "increment once commit",
			fs:   &faultyStore{failIncrement: true},
			call: func(c *Counter) error { _, err := c.IncrementOnce(ctx, "a"); return err },
		},
		{
			name: "flush",
			fs:   &faultyStore{failFlush: true},
			call: func(c *Counter) error { return c.Flush(ctx) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fs.MemoryStore = store.NewMemoryStore()
			c := New(WithStore(tt.fs), WithClock(NewManualClock(noon)))

			err := tt.call(c)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStorage)
			assert.ErrorIs(t, err, errBoom)

			var oe *store.OpError
			assert.ErrorAs(t, err, &oe)
		})
	}
}

func TestFailedIncrementOnceLeavesNoMarker(t *testing.T) {
	fs := &faultyStore{MemoryStore: store.NewMemoryStore(), failIncrement: true}
	c := New(WithStore(fs), WithClock(NewManualClock(noon)))
	ctx := context.Background()

	_, err := c.IncrementOnce(ctx, "a")
	require.Error(t, err)

	_, seen, err := fs.LastVisit(ctx, "a")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestFlushAsync(t *testing.T) {
	c := New()
	err, ok := <-c.FlushAsync(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)

	fs := &faultyStore{MemoryStore: store.NewMemoryStore(), failFlush: true}
	c = New(WithStore(fs))
	done := c.FlushAsync(context.Background())
	assert.ErrorIs(t, <-done, ErrStorage)

	_, ok = <-done
	assert.False(t, ok, "channel closed after the result")
}

func TestPruneVisits(t *testing.T) {
	clk := NewManualClock(noon)
	c := New(WithClock(clk))
	ctx := context.Background()

	_, err := c.IncrementOnce(ctx, "old")
	require.NoError(t, err)
	clk.Advance(72 * time.Hour)
	_, err = c.IncrementOnce(ctx, "new")
	require.NoError(t, err)

	n, err := c.PruneVisits(ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The pruned identity counts again; the kept one does not.
	ok, err := c.IncrementOnce(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IncrementOnce(ctx, "new")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnIncrementAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	type call struct {
		count    uint64
		identity string
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	c := New(
		WithClock(NewManualClock(noon)),
		WithRegisterer(reg),
		WithOnIncrement(func(rec store.Record, identity string) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, call{rec.Count, identity})
		}),
	)
	ctx := context.Background()

	_, _ = c.IncrementOnce(ctx, "a")
	_, _ = c.IncrementOnce(ctx, "a")
	_, _ = c.Increment(ctx)

	assert.Equal(t, []call{{1, "a"}, {2, ""}}, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.increments.WithLabelValues("visit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.increments.WithLabelValues("unconditional")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.deduplicated))
}

func TestNilRegisterer(t *testing.T) {
	// Two counters without a registerer must not collide on registration.
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func assertCount(t *testing.T, c *Counter, want uint64) {
	t.Helper()
	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}
