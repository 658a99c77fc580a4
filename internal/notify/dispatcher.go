// internal/notify/dispatcher.go
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDispatcherClosed is reported for notifications published after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

const deliveryTimeout = 10 * time.Second

// DispatcherOptions tunes a Dispatcher. Zero values pick defaults.
type DispatcherOptions struct {
	QueueSize int
	// RatePerSecond paces deliveries; zero or less means unlimited.
	RatePerSecond float64
}

// Dispatcher queues notifications and delivers them to a sink from a
// single worker. Failed deliveries are logged and counted, never retried.
type Dispatcher struct {
	sink    Sink
	queue   chan Notification
	limiter *rate.Limiter
	logger  *zap.Logger
	results metric.Int64Counter

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the delivery worker.
func NewDispatcher(sink Sink, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	results, err := otel.Meter("lending/notify").Int64Counter("notify.deliveries",
		metric.WithDescription("Notification deliveries by kind and result"),
	)
	if err != nil {
		logger.Warn("failed to create deliveries counter", zap.Error(err))
		results = noop.Int64Counter{}
	}

	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Notification, opts.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		results: results,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues ns. It waits for queue space until ctx is done, in
// which case the remaining notifications are dropped and logged.
func (d *Dispatcher) Publish(ctx context.Context, ns ...Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i, n := range ns {
		if d.closed {
			d.drop(ns[i:], ErrDispatcherClosed)
			return
		}
		select {
		case d.queue <- n:
		case <-ctx.Done():
			d.drop(ns[i:], ctx.Err())
			return
		}
	}
}

// Close stops accepting notifications and waits until the queue is drained
// or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		if err := d.limiter.Wait(context.Background()); err != nil {
			d.logger.Warn("notification pacing failed", zap.Error(err))
		}
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	result := "delivered"
	if err := d.sink.Notify(ctx, n); err != nil {
		result = "failed"
		d.logger.Warn("notification delivery failed",
			zap.String("patron_id", n.PatronID.String()),
			zap.String("kind", string(n.Kind)),
			zap.String("subject_id", n.SubjectID.String()),
			zap.Error(err),
		)
	}
	d.results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(n.Kind)),
		attribute.String("result", result),
	))
}

func (d *Dispatcher) drop(ns []Notification, reason error) {
	for _, n := range ns {
		d.logger.Warn("notification dropped",
			zap.String("patron_id", n.PatronID.String()),
			zap.String("kind", string(n.Kind)),
			zap.Error(reason),
		)
		d.results.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", string(n.Kind)),
			attribute.String("result", "dropped"),
		))
	}
}
