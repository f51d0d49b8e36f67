package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/CZERTAINLY/Tao/internal/pool"
	"github.com/CZERTAINLY/Tao/internal/process"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/CZERTAINLY/Tao/internal/executor"

var ErrTimeout = errors.New("execution timed out")

// Dispatcher is the process wide execution context. It creates executors
// for units and runs them on a shared fixed size pool.
type Dispatcher struct {
	size       int
	queueSize  int
	controller process.Controller
	ssh        SSHConfig
	tracer     trace.Tracer
	pool       *pool.Pool
}

type DispatcherOption func(*Dispatcher)

// WithPoolSize sets the number of parallel executions, runtime.NumCPU by default
func WithPoolSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.size = n
		}
	}
}

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.queueSize = n
	}
}

func WithController(c process.Controller) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.controller = c
		}
	}
}

func WithSSHConfig(cfg SSHConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.ssh = cfg
	}
}

func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) {
		if tp != nil {
			d.tracer = tp.Tracer(tracerName)
		}
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		size:       runtime.NumCPU(),
		controller: process.New(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pool = pool.New("process-exec", d.size, pool.WithQueueSize(d.queueSize))
	return d
}

// Create returns an executor for the unit without running it
func (d *Dispatcher) Create(unit *ExecutionUnit, consumer OutputConsumer) (Executor, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: nil unit", ErrInvalidUnit)
	}
	switch unit.Type() {
	case Process:
		return NewProcessExecutor(unit, consumer, d.controller)
	case SSH2:
		return NewSSHExecutor(unit, consumer, d.ssh)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidUnit, unit.Type())
	}
}

// Execute submits the unit to the pool and returns its executor right away.
// Canceling ctx stops the execution.
func (d *Dispatcher) Execute(ctx context.Context, consumer OutputConsumer, unit *ExecutionUnit) (Executor, error) {
	ex, err := d.Create(unit, consumer)
	if err != nil {
		return nil, err
	}
	if err := d.submit(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

// ExecuteWait runs the unit and waits at most timeout for its completion.
// The execution is stopped on timeout and ErrTimeout returned along with the
// exit code of the stopped command. Zero timeout waits forever.
func (d *Dispatcher) ExecuteWait(ctx context.Context, consumer OutputConsumer, timeout time.Duration, unit *ExecutionUnit) (int, error) {
	wctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	ex, err := d.Execute(wctx, consumer, unit)
	if err != nil {
		return InternalError, err
	}
	code, err := ex.Wait(wctx)
	if err == nil {
		return code, nil
	}
	_ = ex.Stop()
	<-ex.Done()
	if errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return ex.ReturnCode(), fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return ex.ReturnCode(), ctx.Err()
}

// ExecuteAll submits all units and returns their executors without waiting.
// When timeout elapses, executions which did not complete are stopped.
// Units which could not be submitted are reported in the returned error.
func (d *Dispatcher) ExecuteAll(ctx context.Context, consumer OutputConsumer, timeout time.Duration, units ...*ExecutionUnit) ([]Executor, error) {
	wctx, cancel := withTimeout(ctx, timeout)
	executors := make([]Executor, 0, len(units))
	var errs []error
	for _, unit := range units {
		ex, err := d.Execute(wctx, consumer, unit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		executors = append(executors, ex)
	}
	go d.watch(wctx, cancel, executors)
	return executors, errors.Join(errs...)
}

// WaitAll waits for all executors and returns their return codes. Executors
// not completed when ctx ends report NotCompleted.
func (d *Dispatcher) WaitAll(ctx context.Context, executors []Executor) []int {
	codes := make([]int, len(executors))
	for i, ex := range executors {
		codes[i], _ = ex.Wait(ctx)
	}
	return codes
}

func (d *Dispatcher) Stats() pool.Stats {
	return d.pool.Stats()
}

func (d *Dispatcher) Collector() prometheus.Collector {
	return d.pool.Collector()
}

// Shutdown waits for running and queued executions until ctx ends
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

// Close stops all executions and waits for the pool workers
func (d *Dispatcher) Close() {
	d.pool.Close()
}

func (d *Dispatcher) submit(ctx context.Context, ex Executor) error {
	f, err := d.pool.Submit(ctx, func(ctx context.Context) error {
		d.traced(ctx, ex)
		return nil
	})
	if err != nil {
		return err
	}
	// a task canceled before its start is never run, its executor must
	// still complete
	go func() {
		<-f.Done()
		if a, ok := ex.(interface{ abort() }); ok && !ex.HasCompleted() {
			a.abort()
		}
	}()
	return nil
}

func (d *Dispatcher) traced(ctx context.Context, ex Executor) {
	unit := ex.Unit()
	ctx, span := d.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("executor.id", ex.ID()),
		attribute.String("executor.host", unit.Host()),
		attribute.String("executor.type", string(unit.Type())),
		attribute.String("executor.worker", pool.WorkerName(ctx)),
	))
	defer span.End()

	code := ex.Run(ctx)
	span.SetAttributes(attribute.Int("executor.exit_code", code))
	if code != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", code))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// watch stops all executors which are not complete when ctx ends
func (d *Dispatcher) watch(ctx context.Context, cancel context.CancelFunc, executors []Executor) {
	defer cancel()
	for _, ex := range executors {
		select {
		case <-ex.Done():
		case <-ctx.Done():
			stopped := 0
			for _, ex := range executors {
				if !ex.HasCompleted() {
					_ = ex.Stop()
					stopped++
				}
			}
			if stopped > 0 {
				slog.WarnContext(ctx, "stopped executions over the deadline", "count", stopped, "error", ctx.Err())
			}
			return
		}
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
