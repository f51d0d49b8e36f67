// Package executor runs ExecutionUnits, either as local processes or as
// remote commands and sftp uploads over ssh.
//
// Each Executor runs exactly one command. Its return code changes once,
// from NotCompleted to the exit code of the command, or to InternalError
// when the execution itself failed. Stop, Suspend and Resume can be called
// from any goroutine while the command runs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Tao/internal/log"
	"github.com/google/uuid"
)

const (
	// NotCompleted is the return code of an executor which did not finish yet
	NotCompleted = math.MaxInt32
	// InternalError is the return code of a failed execution
	InternalError = -255
	// Killed is the return code of a command stopped before it exited
	Killed = -1
)

var (
	ErrNotCompleted = errors.New("execution not completed")
	ErrUsed         = errors.New("executor already used")
	ErrStopped      = errors.New("executor stopped before start")
)

type Executor interface {
	ID() string
	Unit() *ExecutionUnit
	// Run executes the unit, it never fails: any error or panic is logged
	// and mapped to InternalError
	Run(ctx context.Context) int
	// Execute runs the unit synchronously and returns its exit code
	Execute(ctx context.Context, logMessages bool) (int, error)
	Stop() error
	Suspend() error
	Resume() error
	IsRunning() bool
	IsSuspended() bool
	IsStopped() bool
	HasCompleted() bool
	ReturnCode() int
	// Done is closed when the execution finished
	Done() <-chan struct{}
	// Wait blocks until Done or ctx end
	Wait(ctx context.Context) (int, error)
}

// state is the lifecycle shared by all executors
type state struct {
	id       string
	unit     *ExecutionUnit
	consumer OutputConsumer

	started   atomic.Bool
	running   atomic.Bool
	suspended atomic.Bool
	stopped   atomic.Bool
	retCode   atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

func newState(unit *ExecutionUnit, consumer OutputConsumer) *state {
	if consumer == nil {
		consumer = Discard
	}
	s := &state{
		id:       uuid.NewString(),
		unit:     unit,
		consumer: consumer,
		done:     make(chan struct{}),
	}
	s.retCode.Store(NotCompleted)
	return s
}

func (s *state) ID() string {
	return s.id
}

func (s *state) Unit() *ExecutionUnit {
	return s.unit
}

func (s *state) IsRunning() bool {
	return s.running.Load() && !s.stopped.Load()
}

func (s *state) IsSuspended() bool {
	return s.suspended.Load()
}

func (s *state) IsStopped() bool {
	return s.stopped.Load()
}

func (s *state) HasCompleted() bool {
	return s.ReturnCode() != NotCompleted
}

func (s *state) ReturnCode() int {
	return int(s.retCode.Load())
}

func (s *state) Done() <-chan struct{} {
	return s.done
}

func (s *state) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.ReturnCode(), nil
	case <-ctx.Done():
		return s.ReturnCode(), fmt.Errorf("%w: %w", ErrNotCompleted, ctx.Err())
	}
}

// logContext adds the executor attributes to the log records of ctx
func (s *state) logContext(ctx context.Context) context.Context {
	return log.ContextAttrs(ctx, slog.Group("executor",
		slog.String("id", s.id),
		slog.String("type", string(s.unit.Type())),
		slog.String("host", s.unit.Host()),
	))
}

// begin marks the executor as running, an executor can be started once.
// An executor stopped meanwhile completes as Killed without running.
func (s *state) begin() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrUsed
	}
	if s.stopped.Load() {
		s.complete(Killed)
		s.settle()
		return ErrStopped
	}
	s.running.Store(true)
	return nil
}

// complete records the return code unless one was recorded already and
// returns the recorded one
func (s *state) complete(code int) int {
	s.retCode.CompareAndSwap(NotCompleted, int64(code))
	return s.ReturnCode()
}

// finish records the outcome of an execution and releases the waiters
func (s *state) finish(code int, err error) (int, error) {
	if err != nil {
		code = InternalError
	}
	code = s.complete(code)
	s.settle()
	return code, err
}

func (s *state) settle() {
	s.running.Store(false)
	s.stopped.Store(true)
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// abort completes an executor which never started
func (s *state) abort() {
	s.complete(InternalError)
	s.settle()
}

// run is the body of Run for all executors
func (s *state) run(ctx context.Context, execute func(context.Context, bool) (int, error)) (code int) {
	lctx := s.logContext(ctx)
	s.suspended.Store(false)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(lctx, "execution panic", "panic", r)
			s.complete(InternalError)
		}
		s.settle()
		code = s.ReturnCode()
	}()
	if err := ctx.Err(); err != nil {
		s.complete(InternalError)
		slog.WarnContext(lctx, "execution canceled before start", "error", err)
		return
	}
	_, err := execute(ctx, true)
	switch {
	case errors.Is(err, ErrStopped):
		slog.InfoContext(lctx, "execution stopped before start")
	case err != nil:
		slog.ErrorContext(lctx, "execution failed", "error", err)
	}
	return
}

// emit forwards a non blank output line to the consumer
func (s *state) emit(ctx context.Context, line string, logMessages bool) {
	if isBlank(line) {
		return
	}
	s.consumer.Consume(line)
	if logMessages {
		slog.DebugContext(ctx, "output", "line", line)
	}
}

func isBlank(line string) bool {
	for _, r := range line {
		if r != ' ' && r != '\t' && r != '\r' {
			return false
		}
	}
	return true
}
