package weekcount

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
)

// Option configures the Counter.
type Option func(*Counter)

// WithStore sets the backing store for the counter and visit markers.
// If not provided, an in-memory store is used by default.
func WithStore(s store.Store) Option {
	return func(c *Counter) {
		c.store = s
	}
}

// WithClock sets the time source used for stamping increments and for the
// daily visit check. Defaults to the system clock.
func WithClock(clk Clock) Option {
	return func(c *Counter) {
		c.clock = clk
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Counter) {
		c.logger = l
	}
}

// WithRegisterer registers the counter's Prometheus metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Counter) {
		c.registerer = r
	}
}

// WithOnIncrement sets a callback that fires after every accepted increment
// with the committed record. identity is empty for unconditional increments.
func WithOnIncrement(fn func(rec store.Record, identity string)) Option {
	return func(c *Counter) {
		c.onIncrement = fn
	}
}
