package backplane

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/jonwraymond/swrr/observe"
)

// Deferrer detaches tasks from the request that scheduled them.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Defer must not block on the task.
//   - Panics inside a task must not propagate to the caller.
type Deferrer interface {
	Defer(task func(ctx context.Context))
}

// BackgroundConfig configures a Background deferrer.
type BackgroundConfig struct {
	// MaxConcurrent bounds how many tasks run at once. Extra tasks wait on
	// their own goroutine. Zero means unbounded.
	MaxConcurrent int64

	// BaseContext is the context handed to every task. Defaults to
	// context.Background(); canceling it abandons tasks still waiting for a slot.
	BaseContext context.Context

	// Logger receives recovered panics.
	Logger observe.Logger
}

// Background runs deferred tasks on goroutines and tracks them until Wait.
type Background struct {
	wg      conc.WaitGroup
	sem     *semaphore.Weighted
	ctx     context.Context
	logger  observe.Logger
	pending atomic.Int64
}

// NewBackground creates a Background deferrer.
func NewBackground(config BackgroundConfig) *Background {
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}
	if config.Logger == nil {
		config.Logger = observe.NewNoopLogger()
	}

	b := &Background{
		ctx:    config.BaseContext,
		logger: config.Logger,
	}
	if config.MaxConcurrent > 0 {
		b.sem = semaphore.NewWeighted(config.MaxConcurrent)
	}
	return b
}

// Defer schedules task and returns immediately.
func (b *Background) Defer(task func(ctx context.Context)) {
	b.pending.Add(1)
	b.wg.Go(func() {
		defer b.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error(b.ctx, "deferred task panicked", observe.Field{Key: "panic", Value: fmt.Sprint(r)})
			}
		}()

		if b.sem != nil {
			if err := b.sem.Acquire(b.ctx, 1); err != nil {
				return
			}
			defer b.sem.Release(1)
		}

		task(b.ctx)
	})
}

// Pending returns the number of tasks scheduled but not yet finished.
func (b *Background) Pending() int64 {
	return b.pending.Load()
}

// Wait blocks until every scheduled task has finished or ctx is done.
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inline runs deferred tasks synchronously on the calling goroutine. It
// suits short-lived processes and deterministic tests.
type Inline struct{}

// Defer runs task before returning and swallows any panic.
func (Inline) Defer(task func(ctx context.Context)) {
	defer func() {
		_ = recover()
	}()
	task(context.Background())
}

var (
	_ Deferrer = (*Background)(nil)
	_ Deferrer = Inline{}
)
