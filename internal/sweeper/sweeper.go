// Package sweeper runs the time-driven lending transitions on an interval.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/clock"
)

// Sweeps are the passes a Sweeper drives. circulation.Service satisfies it.
type Sweeps interface {
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
	SweepDueSoon(ctx context.Context, now time.Time) (int, error)
	SweepExpiredHolds(ctx context.Context, now time.Time) (int, error)
}

// Report summarizes one pass.
type Report struct {
	Now      time.Time
	Overdue  int
	Reminded int
	Expired  int
	Failures int
}

// Sweeper runs a pass at start and then every interval until stopped.
type Sweeper struct {
	sweeps   Sweeps
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
	passes   metric.Int64Counter

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a Sweeper. A non-positive interval means one hour.
func New(sweeps Sweeps, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	passes, err := otel.Meter("lending/sweeper").Int64Counter("sweeper.transitions",
		metric.WithDescription("Records transitioned by sweep passes"),
	)
	if err != nil {
		logger.Warn("failed to create sweeper counter", zap.Error(err))
		passes = noop.Int64Counter{}
	}
	return &Sweeper{
		sweeps:   sweeps,
		clock:    clk,
		interval: interval,
		logger:   logger,
		tracer:   otel.Tracer("lending/sweeper"),
		passes:   passes,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Cancelling ctx ends it like Stop does. Only the
// first call has an effect.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() { go s.loop(ctx) })
}

// Stop ends the loop and waits for a pass in progress to finish. A sweeper
// that was never started returns at once and cannot be started afterwards.
func (s *Sweeper) Stop() {
	s.startOnce.Do(func() { close(s.done) })
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	// Passes are not interrupted by shutdown.
	passCtx := context.WithoutCancel(ctx)
	s.RunOnce(passCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(passCtx)
		}
	}
}

// RunOnce performs one pass at the clock's current time. A failing sweep
// is logged and does not prevent the others.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	now := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "sweeper.pass",
		trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))),
	)
	defer span.End()

	report := Report{Now: now}
	run := func(name string, sweep func(context.Context, time.Time) (int, error), into *int) {
		n, err := sweep(ctx, now)
		*into = n
		s.passes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", name)))
		if err != nil {
			report.Failures++
			span.RecordError(err)
			s.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
		}
	}
	run("overdue", s.sweeps.SweepOverdue, &report.Overdue)
	run("due_soon", s.sweeps.SweepDueSoon, &report.Reminded)
	run("expired_holds", s.sweeps.SweepExpiredHolds, &report.Expired)

	span.SetAttributes(
		attribute.Int("overdue", report.Overdue),
		attribute.Int("reminded", report.Reminded),
		attribute.Int("expired", report.Expired),
	)
	s.logger.Info("sweep pass finished",
		zap.Time("now", now),
		zap.Int("overdue", report.Overdue),
		zap.Int("reminded", report.Reminded),
		zap.Int("expired", report.Expired),
		zap.Int("failures", report.Failures),
	)
	return report
}
