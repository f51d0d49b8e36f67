//go:build unix

package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

func newDispatcher(t *testing.T, opts ...executor.DispatcherOption) *executor.Dispatcher {
	t.Helper()
	d := executor.NewDispatcher(opts...)
	t.Cleanup(d.Close)
	return d
}

func TestExecuteWait(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, executor.WithPoolSize(2))
	acc := executor.NewAccumulator()
	code, err := d.ExecuteWait(t.Context(), acc, time.Minute, processUnit(t, "sh", "-c", "echo hi"))
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, []string{"hi"}, acc.Lines())
}

func TestExecuteWaitTimeout(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, executor.WithPoolSize(1))
	start := time.Now()
	code, err := d.ExecuteWait(t.Context(), nil, 200*time.Millisecond, processUnit(t, "sleep", "30"))
	require.ErrorIs(t, err, executor.ErrTimeout)
	require.NotEqual(t, 0, code)
	require.NotEqual(t, executor.NotCompleted, code)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteAll(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, executor.WithPoolSize(2))
	executors, err := d.ExecuteAll(t.Context(), nil, time.Minute,
		processUnit(t, "sh", "-c", "exit 0"),
		processUnit(t, "sh", "-c", "exit 1"),
		processUnit(t, "sh", "-c", "exit 2"),
	)
	require.NoError(t, err)
	require.Len(t, executors, 3)
	require.Equal(t, []int{0, 1, 2}, d.WaitAll(t.Context(), executors))
	require.Eventually(t, func() bool {
		return d.Stats().Completed == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteAllDeadline(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, executor.WithPoolSize(1))
	// the second unit waits in the queue until the deadline
	executors, err := d.ExecuteAll(t.Context(), nil, 300*time.Millisecond,
		processUnit(t, "sleep", "30"),
		processUnit(t, "sleep", "30"),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	for _, code := range d.WaitAll(ctx, executors) {
		require.NotEqual(t, 0, code)
		require.NotEqual(t, executor.NotCompleted, code)
	}
	for _, ex := range executors {
		require.True(t, ex.HasCompleted())
		require.True(t, ex.IsStopped())
	}
}

func TestDispatcherCreate(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t)
	_, err := d.Create(nil, nil)
	require.ErrorIs(t, err, executor.ErrInvalidUnit)

	ex, err := d.Create(processUnit(t, "true"), nil)
	require.NoError(t, err)
	require.IsType(t, &executor.ProcessExecutor{}, ex)

	unit, err := executor.NewUnit(executor.SSH2, "node1", "tao", "", []string{"ls"}, false, "")
	require.NoError(t, err)
	ex, err = d.Create(unit, nil)
	require.NoError(t, err)
	require.IsType(t, &executor.SSHExecutor{}, ex)
	require.False(t, ex.HasCompleted())
}

func TestDispatcherSpans(t *testing.T) {
	t.Parallel()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	d := newDispatcher(t, executor.WithPoolSize(1), executor.WithTracerProvider(tp))

	code, err := d.ExecuteWait(t.Context(), nil, time.Minute, processUnit(t, "sh", "-c", "exit 4"))
	require.NoError(t, err)
	require.Equal(t, 4, code)

	require.Eventually(t, func() bool {
		return len(sr.Ended()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	span := sr.Ended()[0]
	require.Equal(t, "executor.run", span.Name())
	require.Equal(t, codes.Error, span.Status().Code)
	require.Contains(t, span.Attributes(), attribute.Int("executor.exit_code", 4))
	require.Contains(t, span.Attributes(), attribute.String("executor.type", "process"))
	require.Contains(t, span.Attributes(), attribute.String("executor.worker", "process-exec-1"))
}

func TestDispatcherCollector(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, executor.WithPoolSize(1))
	require.Equal(t, 5, testutil.CollectAndCount(d.Collector()))
}

func TestDispatcherShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	d := executor.NewDispatcher(executor.WithPoolSize(2))
	executors, err := d.ExecuteAll(t.Context(), nil, 0,
		processUnit(t, "sh", "-c", "echo one"),
		processUnit(t, "sh", "-c", "echo two"),
	)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	require.Equal(t, []int{0, 0}, d.WaitAll(ctx, executors))
}
