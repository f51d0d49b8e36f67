package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Tao/internal/queue"
	"github.com/CZERTAINLY/Tao/internal/task"
)

const defaultPollInterval = 10 * time.Second

// JobRunner starts the jobs taken from the queue
type JobRunner interface {
	Start(ctx context.Context, job *task.Job) error
	Cancel(ctx context.Context, job *task.Job) error
	ActiveJobs() int
}

// Worker moves jobs from the queue to the runner while fewer than maxJobs
// are active. Consecutive jobs go to different users when possible.
type Worker struct {
	queue    *Queue
	runner   JobRunner
	maxJobs  int
	interval time.Duration
	paused   atomic.Bool
	wake     chan struct{}
	lastUser string
}

type WorkerOption func(*Worker)

// WithPollInterval sets how long the worker sleeps while paused or
// saturated, 10s by default
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func NewWorker(q *Queue, runner JobRunner, maxJobs int, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:    q,
		runner:   runner,
		maxJobs:  max(1, maxJobs),
		interval: defaultPollInterval,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Pause() {
	w.paused.Store(true)
}

func (w *Worker) Resume() {
	w.paused.Store(false)
	w.Notify()
}

func (w *Worker) Paused() bool {
	return w.paused.Load()
}

// Notify wakes up a sleeping worker, typically when a job finished
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) sleep(ctx context.Context) error {
	t := time.NewTimer(w.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.wake:
	case <-t.C:
	}
	return nil
}

// Run blocks until ctx is done or the queue is closed. Closed queue is a
// normal termination and returns nil. A worker already waiting for a job
// when paused still starts that one.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if w.Paused() {
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if n := w.runner.ActiveJobs(); n >= w.maxJobs {
			slog.DebugContext(ctx, "job limit reached", "active", n, "max", w.maxJobs)
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		job, err := w.queue.TakeExcept(ctx, w.lastUser)
		if errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		w.lastUser = job.User
		slog.DebugContext(ctx, "job dequeued", "job", job.Name, "user", job.User)
		if err := w.runner.Start(ctx, job); err != nil {
			slog.WarnContext(ctx, "job could not be started", "job", job.Name, "user", job.User, "error", err)
			if err := w.runner.Cancel(ctx, job); err != nil {
				slog.ErrorContext(ctx, "job cancel failed", "job", job.Name, "error", err)
			}
		}
	}
}
