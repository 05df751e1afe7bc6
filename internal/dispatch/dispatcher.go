// Package dispatch runs webhook processing detached from the HTTP request
// that triggered it. Failures are routed to a Reporter instead of being lost.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
)

// Reporter receives failed tasks.
type Reporter interface {
	Report(ctx context.Context, task string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, task string, err error)

func (f ReporterFunc) Report(ctx context.Context, task string, err error) { f(ctx, task, err) }

// Dispatcher runs tasks in goroutines, at most maxInFlight at a time.
type Dispatcher struct {
	sem      *semaphore.Weighted
	reporter Reporter
	wg       sync.WaitGroup
}

func New(maxInFlight int, reporter Reporter) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Dispatcher{
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		reporter: reporter,
	}
}

// Go starts fn in the background. The task context keeps the values of ctx
// (request and correlation IDs) but not its cancellation, so it outlives the
// HTTP request. A new correlation ID is attached if ctx has none.
func (d *Dispatcher) Go(ctx context.Context, task string, fn func(ctx context.Context) error) {
	taskCtx := context.WithoutCancel(ctx)
	if logging.CorrelationID(taskCtx) == "" {
		taskCtx = logging.WithCorrelationID(taskCtx, logging.NewCorrelationID())
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(taskCtx, 1); err != nil {
			d.fail(taskCtx, task, err)
			return
		}
		defer d.sem.Release(1)

		metrics.TasksInFlight.Inc()
		defer metrics.TasksInFlight.Dec()

		if err := d.run(taskCtx, task, fn); err != nil {
			d.fail(taskCtx, task, err)
		}
	}()
}

func (d *Dispatcher) run(ctx context.Context, task string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Ctx(ctx).Error().Str("task", task).Bytes("stack", debug.Stack()).Msg("task panicked")
			err = fmt.Errorf("panic in %s: %v", task, r)
		}
	}()
	return fn(ctx)
}

func (d *Dispatcher) fail(ctx context.Context, task string, err error) {
	metrics.TaskFailures.WithLabelValues(task).Inc()
	logging.Ctx(ctx).Error().Err(err).Str("task", task).Msg("background task failed")
	if d.reporter != nil {
		d.reporter.Report(ctx, task, err)
	}
}

// Wait blocks until all started tasks finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
