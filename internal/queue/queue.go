// Package queue dispatches durable backlog items to concurrent workers.
//
// A backlog lists the ids of eligible items oldest first; a worker leases one
// item at a time, skipping any item another worker (or another process) holds.
// The lease owns the item's transaction: completing it deletes the item,
// failing it rolls back and lets the backlog decide between retry and abandon.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/forsitet/fwbot/internal/telemetry"
)

// Lease is exclusive ownership of one backlog item.
type Lease[S any] interface {
	ID() int64
	// Store is bound to the lease's transaction.
	Store() S
	// Complete removes the item and commits.
	Complete(ctx context.Context) error
	// Fail rolls back work since the last checkpoint and reschedules or
	// abandons the item.
	Fail(ctx context.Context, cause error) error
	// Release gives up ownership. It is always called, after Complete or Fail.
	Release()
}

// Backlog is one kind of durable work.
type Backlog[S any] interface {
	Kind() string
	// Pending returns up to limit eligible item ids, oldest first.
	Pending(ctx context.Context, limit int) ([]int64, error)
	// Acquire leases id. ok is false when the item is held elsewhere or gone.
	Acquire(ctx context.Context, id int64) (lease Lease[S], ok bool, err error)
}

// Handler processes one item using the lease's store.
type Handler[S any] func(ctx context.Context, store S, id int64) error

type Options struct {
	// BatchSize bounds the items considered per pass.
	BatchSize int
	Workers   int
}

// Stats summarizes one pass.
type Stats struct {
	Completed int64
	Failed    int64
	Skipped   int64
}

type Runner[S any] struct {
	backlog Backlog[S]
	handler Handler[S]
	opts    Options
	logger  *slog.Logger

	completed metric.Int64Counter
	failed    metric.Int64Counter
	skipped   metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewRunner[S any](backlog Backlog[S], handler Handler[S], opts Options, logger *slog.Logger) *Runner[S] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	m := telemetry.Meter()
	completed, _ := m.Int64Counter("fwbot.queue.completed",
		metric.WithDescription("Backlog items processed successfully"),
	)
	failed, _ := m.Int64Counter("fwbot.queue.failed",
		metric.WithDescription("Backlog items whose handler failed"),
	)
	skipped, _ := m.Int64Counter("fwbot.queue.skipped",
		metric.WithDescription("Backlog items skipped because another worker held them"),
	)
	duration, _ := m.Float64Histogram("fwbot.queue.duration",
		metric.WithDescription("Backlog item processing time in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Runner[S]{
		backlog:   backlog,
		handler:   handler,
		opts:      opts,
		logger:    logger.With("queue", backlog.Kind()),
		completed: completed,
		failed:    failed,
		skipped:   skipped,
		duration:  duration,
	}
}

func (r *Runner[S]) Kind() string {
	return r.backlog.Kind()
}

// RunOnce processes one batch of pending items. Handler failures are counted
// and logged, not returned; the error reports backlog or lease problems only.
func (r *Runner[S]) RunOnce(ctx context.Context) (Stats, error) {
	ids, err := r.backlog.Pending(ctx, r.opts.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("list pending %s items: %w", r.backlog.Kind(), err)
	}
	if len(ids) == 0 {
		return Stats{}, nil
	}

	var completed, failed, skipped atomic.Int64
	var errs []error
	errc := make(chan error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, id := range ids {
		g.Go(func() error {
			outcome, err := r.process(gctx, id)
			switch outcome {
			case outcomeCompleted:
				completed.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			}
			if err != nil {
				errc <- err
			}
			return nil
		})
	}
	_ = g.Wait()
	close(errc)
	for err := range errc {
		errs = append(errs, err)
	}

	stats := Stats{Completed: completed.Load(), Failed: failed.Load(), Skipped: skipped.Load()}
	if stats.Completed+stats.Failed > 0 {
		r.logger.Info("queue pass finished", "completed", stats.Completed, "failed", stats.Failed, "skipped", stats.Skipped)
	}
	return stats, errors.Join(errs...)
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeSkipped
)

func (r *Runner[S]) process(ctx context.Context, id int64) (outcome, error) {
	attrs := metric.WithAttributes(attribute.String("kind", r.backlog.Kind()))

	lease, ok, err := r.backlog.Acquire(ctx, id)
	if err != nil {
		return outcomeNone, fmt.Errorf("acquire %s item %d: %w", r.backlog.Kind(), id, err)
	}
	if !ok {
		r.skipped.Add(ctx, 1, attrs)
		r.logger.Debug("item held elsewhere, skipping", "id", id)
		return outcomeSkipped, nil
	}
	defer lease.Release()

	start := time.Now()
	herr := r.handler(ctx, lease.Store(), id)
	r.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	if herr == nil {
		if err := lease.Complete(ctx); err != nil {
			r.failed.Add(ctx, 1, attrs)
			return outcomeFailed, fmt.Errorf("complete %s item %d: %w", r.backlog.Kind(), id, err)
		}
		r.completed.Add(ctx, 1, attrs)
		return outcomeCompleted, nil
	}

	r.failed.Add(ctx, 1, attrs)
	r.logger.Error("item failed", "id", id, "error", herr)
	if err := lease.Fail(ctx, herr); err != nil {
		return outcomeFailed, fmt.Errorf("fail %s item %d: %w", r.backlog.Kind(), id, err)
	}
	return outcomeFailed, nil
}

// Scheduler runs every runner's pass on a fixed interval until ctx ends.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger
	passes   []func(context.Context) (Stats, error)
	kinds    []string
}

func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{interval: interval, logger: logger}
}

// Add registers a runner. Runners are run one after another in each tick.
func Add[S any](s *Scheduler, r *Runner[S]) {
	s.passes = append(s.passes, r.RunOnce)
	s.kinds = append(s.kinds, r.Kind())
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for i, pass := range s.passes {
		if ctx.Err() != nil {
			return
		}
		if _, err := pass(ctx); err != nil {
			s.logger.Error("queue pass failed", "queue", s.kinds[i], "error", err)
		}
	}
}
