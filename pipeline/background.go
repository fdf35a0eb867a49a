package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Background runs fire-and-forget tasks detached from the request that
// scheduled them. Tasks are never cancelled; Wait drains them at shutdown.
type Background struct {
	wg      sync.WaitGroup
	pending atomic.Int64
	logger  *slog.Logger
}

// NewBackground creates an empty task group. A nil logger uses slog.Default.
func NewBackground(logger *slog.Logger) *Background {
	if logger == nil {
		logger = slog.Default()
	}
	return &Background{logger: logger}
}

// Go runs fn on its own goroutine with a context that keeps ctx's values
// but never observes its cancellation. A panic in fn is logged.
func (b *Background) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	b.pending.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.pending.Add(-1)
		defer func() {
			if v := recover(); v != nil {
				b.logger.Error("background task panicked",
					"task", name,
					"panic", fmt.Sprint(v),
				)
			}
		}()
		fn(detached)
	}()
}

// Pending returns the number of tasks still running.
func (b *Background) Pending() int64 { return b.pending.Load() }

// Wait blocks until every task has returned or ctx is done.
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
		return fmt.Errorf("pipeline: %d background tasks still running: %w", b.Pending(), ctx.Err())
	}
}
