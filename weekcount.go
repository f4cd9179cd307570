package weekcount

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
)

// Counter is the main entry point of the package. It owns the week counter
// and the per-identity visit markers kept in its store, and is safe for
// concurrent use.
type Counter struct {
	store       store.Store
	clock       Clock
	logger      *zap.Logger
	registerer  prometheus.Registerer
	metrics     *counterMetrics
	onIncrement func(store.Record, string)
}

// New creates a new Counter with the given options.
// If no store is provided, an in-memory store is used.
func New(opts ...Option) *Counter {
	c := &Counter{}
	for _, o := range opts {
		o(c)
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.clock == nil {
		c.clock = SystemClock{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.metrics = newCounterMetrics(c.registerer)
	return c
}

// Count returns the current week count, 0 if nothing was ever counted.
func (c *Counter) Count(ctx context.Context) (uint64, error) {
	r, err := c.Record(ctx)
	if err != nil {
		return 0, err
	}
	return r.Count, nil
}

// Record returns the full counter record.
func (c *Counter) Record(ctx context.Context) (store.Record, error) {
	r, err := c.store.Get(ctx)
	if err != nil {
		return store.Record{}, c.fail("get", err)
	}
	return r, nil
}

// Increment adds one to the counter regardless of caller and returns the
// new count. It does not stamp LastIncrement.
func (c *Counter) Increment(ctx context.Context) (uint64, error) {
	r, err := c.store.Increment(ctx, time.Time{})
	if err != nil {
		return 0, c.fail("increment", err)
	}
	c.accepted("unconditional", r, "")
	return r.Count, nil
}

// IncrementOnce adds one to the counter unless identity was already counted
// on the current UTC calendar date. It reports whether the counter moved.
//
// The visit check runs outside the counter transaction. Two simultaneous
// calls for the same identity can both pass it; the counter itself never
// loses an update. Once the counter commit succeeds the result is true even
// if the visit marker cannot be written.
func (c *Counter) IncrementOnce(ctx context.Context, identity string) (bool, error) {
	now := c.clock.Now().UTC()

	last, seen, err := c.store.LastVisit(ctx, identity)
	if err != nil {
		return false, c.fail("last visit", err)
	}
	if seen && SameDay(last, now) {
		c.metrics.deduplicated.Inc()
		c.logger.Debug("visit already counted today",
			zap.String("identity", identity),
			zap.Time("last_visit", last),
		)
		return false, nil
	}

	r, err := c.store.Increment(ctx, now)
	if err != nil {
		return false, c.fail("increment once", err)
	}

	if err := c.store.MarkVisit(ctx, identity, now); err != nil {
		c.metrics.markerFailures.Inc()
		c.logger.Warn("visit counted but marker not saved",
			zap.String("identity", identity),
			zap.Uint64("week_count", r.Count),
			zap.Error(err),
		)
	}

	c.accepted("visit", r, identity)
	return true, nil
}

// Reset deletes the counter record. Visit markers are kept.
func (c *Counter) Reset(ctx context.Context) error {
	if err := c.store.Reset(ctx); err != nil {
		return c.fail("reset", err)
	}
	c.logger.Info("week count reset")
	return nil
}

// Flush forces pending writes to durable storage.
func (c *Counter) Flush(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil {
		return c.fail("flush", err)
	}
	return nil
}

// FlushAsync runs Flush in the background. The returned channel receives the
// result and is then closed.
func (c *Counter) FlushAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- c.Flush(ctx)
	}()
	return done
}

// PruneVisits removes visit markers older than retention and returns how
// many were removed.
func (c *Counter) PruneVisits(ctx context.Context, retention time.Duration) (int64, error) {
	before := c.clock.Now().UTC().Add(-retention)
	n, err := c.store.PruneVisits(ctx, before)
	if err != nil {
		return n, c.fail("prune visits", err)
	}
	if n > 0 {
		c.logger.Info("pruned visit markers", zap.Int64("removed", n), zap.Time("before", before))
	}
	return n, nil
}

// Close releases resources held by the counter's store.
func (c *Counter) Close() error {
	return c.store.Close()
}

func (c *Counter) accepted(path string, r store.Record, identity string) {
	c.metrics.increments.WithLabelValues(path).Inc()
	if c.onIncrement != nil {
		c.onIncrement(r, identity)
	}
}

func (c *Counter) fail(op string, err error) error {
	c.metrics.operationErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("weekcount: %s: %w", op, err)
}
