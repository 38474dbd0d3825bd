// Package background runs best-effort side effects (history writes, pushes,
// cross-node publishes) off the caller's path. Failures are logged, never returned.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds each task when no timeout is configured
const DefaultTimeout = 10 * time.Second

// Runner starts fire-and-forget tasks and can wait for them on shutdown.
type Runner struct {
	wg        sync.WaitGroup
	timeout   time.Duration
	log       *zap.Logger
	onFailure func(task string)
}

// Option configures a Runner
type Option func(*Runner)

// WithTimeout bounds every task's context.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for task failures.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithFailureHook is called with the task name after each failed or panicking task.
func WithFailureHook(fn func(task string)) Option {
	return func(r *Runner) {
		r.onFailure = fn
	}
}

// New creates a Runner
func New(opts ...Option) *Runner {
	r := &Runner{
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go runs fn in its own goroutine. The task context keeps ctx's values
// (request id, trace span) but not its cancellation, so a finished request
// does not abort its side effects.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		if err := r.run(taskCtx, fn); err != nil {
			r.log.Warn("Background task failed",
				zap.String("task", name),
				zap.Error(err))
			if r.onFailure != nil {
				r.onFailure(name)
			}
		}
	}()
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
