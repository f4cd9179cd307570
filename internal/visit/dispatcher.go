// Package visit runs passive visits in the background so HTTP handlers never
// wait on storage.
package visit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Counter is the part of weekcount.Counter the dispatcher needs.
type Counter interface {
	IncrementOnce(ctx context.Context, identity string) (bool, error)
	Count(ctx context.Context) (uint64, error)
}

type options struct {
	workers    int
	queueSize  int
	timeout    time.Duration
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// Option configures a Dispatcher.
type Option func(o *options)

// WithWorkers sets how many visits are processed concurrently. Values below
// one are raised to one. The default is 4.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueSize sets how many visits may wait for a worker before Enqueue
// starts dropping them. The default is 1024.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithTimeout bounds a single visit, including its storage round trips.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger for dropped and failed visits.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the queue and result metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// Dispatcher feeds queued visits to a fixed pool of workers.
type Dispatcher struct {
	counter Counter
	queue   chan string
	opts    options

	queued    prometheus.Gauge
	dropped   prometheus.Counter
	processed *prometheus.CounterVec
}

// NewDispatcher returns a Dispatcher that feeds visits to counter. Nothing
// is processed until Run is called.
func NewDispatcher(counter Counter, opts ...Option) *Dispatcher {
	o := options{
		workers:   4,
		queueSize: 1024,
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.workers < 1 {
		o.workers = 1
	}

	d := &Dispatcher{
		counter: counter,
		queue:   make(chan string, o.queueSize),
		opts:    o,
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weekcount_visit_queue_length",
			Help: "Visits waiting for a worker",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weekcount_visit_dropped_total",
			Help: "Visits dropped because the queue was full",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weekcount_visit_processed_total",
			Help: "Background visits by result",
		}, []string{"result"}),
	}
	if o.registerer != nil {
		o.registerer.MustRegister(d.queued, d.dropped, d.processed)
	}
	return d
}

// Enqueue schedules a visit for identity. It never blocks and reports false
// when the queue is full and the visit was dropped.
func (d *Dispatcher) Enqueue(identity string) bool {
	// Counted before the send so a worker's Dec never runs first.
	d.queued.Inc()
	select {
	case d.queue <- identity:
		return true
	default:
		d.queued.Dec()
		d.dropped.Inc()
		d.opts.logger.Warn("visit queue full, dropping visit", zap.String("identity", identity))
		return false
	}
}

// Run processes visits until ctx is done. Visits still queued at that point
// are processed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	eg := new(errgroup.Group)
	for i := 0; i < d.opts.workers; i++ {
		eg.Go(func() error {
			for {
				select {
				case id := <-d.queue:
					d.process(id)
				case <-ctx.Done():
					d.drain()
					return nil
				}
			}
		})
	}
	err := eg.Wait()
	d.opts.logger.Info("visit dispatcher stopped")
	return err
}

func (d *Dispatcher) drain() {
	for {
		select {
		case id := <-d.queue:
			d.process(id)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(identity string) {
	d.queued.Dec()

	// Detached from the request and from shutdown so a visit that made it
	// into the queue gets its full timeout.
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.timeout)
	defer cancel()

	logger := d.opts.logger.With(zap.String("identity", identity))

	counted, err := d.counter.IncrementOnce(ctx, identity)
	switch {
	case err != nil:
		d.processed.WithLabelValues("failed").Inc()
		logger.Error("background visit failed", zap.Error(err))
	case !counted:
		d.processed.WithLabelValues("seen").Inc()
		logger.Debug("identity already counted today")
	default:
		d.processed.WithLabelValues("accepted").Inc()
		n, err := d.counter.Count(ctx)
		if err != nil {
			logger.Info("visit counted")
			return
		}
		logger.Info("visit counted", zap.Uint64("week_count", n))
	}
}
