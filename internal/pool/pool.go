package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Tao/internal/log"
)

var (
	ErrRejected = errors.New("task rejected")
	ErrClosed   = errors.New("pool closed")
	ErrTimeout  = errors.New("task timed out")
)

type workerKeyT struct{}

var workerKey workerKeyT

// WorkerName returns the name of pool worker running the task, or an empty
// string if ctx does not come from a pool.
func WorkerName(ctx context.Context) string {
	s, _ := ctx.Value(workerKey).(string)
	return s
}

// Stats is a snapshot of pool counters
type Stats struct {
	Size      int
	Active    int64
	Queued    int64
	Completed int64
	Rejected  int64
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("size", s.Size),
		slog.Int64("active", s.Active),
		slog.Int64("queued", s.Queued),
		slog.Int64("completed", s.Completed),
		slog.Int64("rejected", s.Rejected),
	)
}

type Option func(*Pool)

// WithQueueSize sets the capacity of the submission queue
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// Pool is a fixed size pool of named workers. Tasks over the queue capacity
// are rejected and the rejection is logged together with pool counters.
type Pool struct {
	name      string
	size      int
	queueSize int

	mx     sync.RWMutex
	closed bool
	tasks  chan *Future

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

func New(name string, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		name:      name,
		size:      size,
		queueSize: size * 16,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan *Future, p.queueSize)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := range size {
		worker := fmt.Sprintf("%s-%d", name, i+1)
		p.wg.Go(func() {
			p.work(worker)
		})
	}
	return p
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) work(worker string) {
	for f := range p.tasks {
		p.active.Add(1)
		f.run(p.ctx, worker)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

// Submit queues fn for an execution. The context passed to fn carries the
// values of ctx and is canceled when ctx is, when the Future is canceled or
// when the pool is closed.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) (*Future, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	f := newFuture(ctx, fn)
	select {
	case p.tasks <- f:
		return f, nil
	default:
		p.rejected.Add(1)
		f.cancel()
		slog.WarnContext(ctx, "task rejected", "pool", p.name, "stats", p.Stats())
		return nil, fmt.Errorf("%w: pool %s is saturated", ErrRejected, p.name)
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Active:    p.active.Load(),
		Queued:    int64(len(p.tasks)),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Shutdown refuses new tasks and waits for queued and running ones to finish.
// If ctx ends first, remaining tasks are canceled and ctx error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopIntake()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels all queued and running tasks and waits for workers to exit
func (p *Pool) Close() {
	p.stopIntake()
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) stopIntake() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// Future is a handle of submitted task
type Future struct {
	fn     func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newFuture(ctx context.Context, fn func(context.Context) error) *Future {
	fctx, cancel := context.WithCancel(ctx)
	return &Future{
		fn:     fn,
		ctx:    fctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *Future) run(poolCtx context.Context, worker string) {
	defer close(f.done)
	defer f.cancel()

	stop := context.AfterFunc(poolCtx, f.cancel)
	defer stop()

	if err := f.ctx.Err(); err != nil {
		f.err = err
		return
	}

	ctx := context.WithValue(f.ctx, workerKey, worker)
	ctx = log.ContextAttrs(ctx, slog.String("worker", worker))
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("task panic: %v", r)
			slog.ErrorContext(ctx, "task panic", "panic", r)
		}
	}()
	f.err = f.fn(ctx)
}

// Done is closed once the task finished or was canceled before the start
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancel cancels the task context. A task, which have not started yet, will
// not be executed at all.
func (f *Future) Cancel() {
	f.cancel()
}

// Get waits for the task and returns its error
func (f *Future) Get(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetTimeout waits at most d for the task. When d elapses, the task is
// canceled and ErrTimeout returned. Zero d waits forever.
func (f *Future) GetTimeout(d time.Duration) error {
	if d <= 0 {
		<-f.done
		return f.err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.err
	case <-timer.C:
		f.cancel()
		return fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}
