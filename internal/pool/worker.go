package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Tao/internal/queue"
)

// Worker drains a blocking queue in a dedicated goroutine and hands every
// element to a pool, so detecting a new work is decoupled from doing it.
type Worker[T any, K comparable] struct {
	queue   *queue.HashedBlockingQueue[T, K]
	pool    *Pool
	handle  func(context.Context, T) error
	backoff time.Duration
}

func NewWorker[T any, K comparable](q *queue.HashedBlockingQueue[T, K], p *Pool, handle func(context.Context, T) error) *Worker[T, K] {
	return &Worker[T, K]{
		queue:   q,
		pool:    p,
		handle:  handle,
		backoff: 100 * time.Millisecond,
	}
}

// WithBackoff sets how long the worker waits before resubmitting an
// element rejected by a saturated pool
func (w *Worker[T, K]) WithBackoff(d time.Duration) *Worker[T, K] {
	w.backoff = d
	return w
}

// Run blocks until ctx is done, the queue is closed or the pool is closed.
// Closed queue is a normal termination and returns nil.
func (w *Worker[T, K]) Run(ctx context.Context) error {
	for {
		item, err := w.queue.Take(ctx)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.submit(ctx, item); err != nil {
			return err
		}
	}
}

func (w *Worker[T, K]) submit(ctx context.Context, item T) error {
	run := func(ctx context.Context) error {
		err := w.handle(ctx, item)
		if err != nil {
			slog.ErrorContext(ctx, "queue item failed", "pool", w.pool.Name(), "error", err)
		}
		return err
	}
	for {
		_, err := w.pool.Submit(ctx, run)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRejected) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff):
		}
	}
}
