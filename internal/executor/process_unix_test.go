//go:build unix

package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/CZERTAINLY/Tao/internal/process"
	"github.com/stretchr/testify/require"
)

// countingController counts the terminations of a real controller
type countingController struct {
	process.Controller
	terminated atomic.Int32
}

func (c *countingController) Terminate(p *os.Process) error {
	c.terminated.Add(1)
	return c.Controller.Terminate(p)
}

func processUnit(t *testing.T, args ...string) *executor.ExecutionUnit {
	t.Helper()
	unit, err := executor.NewUnit(executor.Process, "", "", "", args, false, "")
	require.NoError(t, err)
	return unit
}

func TestProcessExecute(t *testing.T) {
	t.Parallel()
	acc := executor.NewAccumulator()
	ex, err := executor.NewProcessExecutor(
		processUnit(t, "sh", "-c", "echo one; echo; echo two 1>&2; exit 3"),
		acc,
		nil,
	)
	require.NoError(t, err)
	require.False(t, ex.HasCompleted())
	require.Equal(t, executor.NotCompleted, ex.ReturnCode())

	code, err := ex.Execute(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, []string{"one", "two"}, acc.Lines())
	require.True(t, ex.HasCompleted())
	require.True(t, ex.IsStopped())
	require.False(t, ex.IsRunning())
	require.Equal(t, -1, ex.PID())

	_, err = ex.Execute(t.Context(), false)
	require.ErrorIs(t, err, executor.ErrUsed)
	require.Equal(t, 3, ex.ReturnCode())
}

func TestProcessRun(t *testing.T) {
	t.Parallel()
	ex, err := executor.NewProcessExecutor(processUnit(t, "sleep", "1"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, ex.Run(t.Context()))
	require.Equal(t, 0, ex.ReturnCode())
	require.True(t, ex.IsStopped())
	select {
	case <-ex.Done():
	default:
		t.Fatal("done must be closed")
	}
}

func TestProcessStop(t *testing.T) {
	t.Parallel()
	ctrl := &countingController{Controller: process.New()}
	ex, err := executor.NewProcessExecutor(processUnit(t, "sleep", "30"), nil, ctrl)
	require.NoError(t, err)

	codes := make(chan int, 1)
	go func() {
		codes <- ex.Run(t.Context())
	}()
	require.Eventually(t, func() bool {
		return ex.PID() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, ex.IsRunning())

	require.NoError(t, ex.Stop())
	select {
	case code := <-codes:
		require.NotEqual(t, 0, code)
		require.NotEqual(t, executor.NotCompleted, code)
	case <-time.After(10 * time.Second):
		t.Fatal("stopped process still runs")
	}
	require.GreaterOrEqual(t, ctrl.terminated.Load(), int32(1))
	require.True(t, ex.IsStopped())
}

func TestProcessSuspendResume(t *testing.T) {
	t.Parallel()
	ex, err := executor.NewProcessExecutor(processUnit(t, "sleep", "1"), nil, nil)
	require.NoError(t, err)
	// no process attached yet
	require.NoError(t, ex.Suspend())
	require.True(t, ex.IsSuspended())
	require.NoError(t, ex.Resume())
	require.False(t, ex.IsSuspended())

	codes := make(chan int, 1)
	go func() {
		codes <- ex.Run(t.Context())
	}()
	require.Eventually(t, func() bool {
		return ex.PID() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ex.Suspend())
	require.True(t, ex.IsSuspended())
	require.NoError(t, ex.Resume())
	require.Equal(t, 0, <-codes)
}

func TestProcessCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	ex, err := executor.NewProcessExecutor(processUnit(t, "true"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, executor.InternalError, ex.Run(ctx))
	require.True(t, ex.HasCompleted())
}

func TestProcessContextStops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	ex, err := executor.NewProcessExecutor(processUnit(t, "sleep", "30"), nil, nil)
	require.NoError(t, err)
	start := time.Now()
	code := ex.Run(ctx)
	require.NotEqual(t, 0, code)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessNotFound(t *testing.T) {
	t.Parallel()
	ex, err := executor.NewProcessExecutor(processUnit(t, "/nonexistent/tao-binary"), nil, nil)
	require.NoError(t, err)
	code, err := ex.Execute(t.Context(), true)
	require.Error(t, err)
	require.Equal(t, executor.InternalError, code)
	require.Equal(t, executor.InternalError, ex.ReturnCode())
}

func TestProcessWorkingDir(t *testing.T) {
	t.Parallel()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	unit := processUnit(t, "pwd")
	require.NoError(t, unit.SetWorkingDir(dir))

	acc := executor.NewAccumulator()
	ex, err := executor.NewProcessExecutor(unit, acc, nil)
	require.NoError(t, err)
	code, err := ex.Execute(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, []string{dir}, acc.Lines())
}

func TestProcessOrphanedOutput(t *testing.T) {
	t.Parallel()
	acc := executor.NewAccumulator()
	// the background sleep inherits the output pipe
	ex, err := executor.NewProcessExecutor(processUnit(t, "sh", "-c", "sleep 5 & echo started"), acc, nil)
	require.NoError(t, err)
	start := time.Now()
	code, err := ex.Execute(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Less(t, time.Since(start), 4*time.Second)
	require.Equal(t, []string{"started"}, acc.Lines())
}

func TestProcessSlowConsumer(t *testing.T) {
	t.Parallel()
	// the process exits long before the consumer reads its output
	var lines []string
	slow := executor.ConsumerFunc(func(line string) {
		time.Sleep(100 * time.Microsecond)
		lines = append(lines, line)
	})
	ex, err := executor.NewProcessExecutor(processUnit(t, "seq", "1", "20000"), slow, nil)
	require.NoError(t, err)
	code, err := ex.Execute(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Len(t, lines, 20000)
	require.Equal(t, strconv.Itoa(20000), lines[len(lines)-1])
}

func TestProcessLongLine(t *testing.T) {
	t.Parallel()
	acc := executor.NewAccumulator()
	ex, err := executor.NewProcessExecutor(
		processUnit(t, "sh", "-c", "head -c 2000000 /dev/zero | tr '\\0' a; echo; echo after"),
		acc,
		nil,
	)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	code, err := ex.Execute(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	lines := acc.Lines()
	require.GreaterOrEqual(t, len(lines), 3)
	require.Equal(t, "after", lines[len(lines)-1])
	var total int
	for _, line := range lines[:len(lines)-1] {
		require.LessOrEqual(t, len(line), 2*1024*1024)
		total += len(line)
	}
	require.Equal(t, 2000000, total)
}

func TestProcessStopBeforeStart(t *testing.T) {
	t.Parallel()
	ex, err := executor.NewProcessExecutor(processUnit(t, "sleep", "2"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, ex.Stop())

	start := time.Now()
	require.Equal(t, executor.Killed, ex.Run(t.Context()))
	require.Less(t, time.Since(start), time.Second)
	require.True(t, ex.HasCompleted())
	require.Equal(t, executor.Killed, ex.ReturnCode())

	ex, err = executor.NewProcessExecutor(processUnit(t, "sleep", "2"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, ex.Stop())
	code, err := ex.Execute(t.Context(), false)
	require.ErrorIs(t, err, executor.ErrStopped)
	require.Equal(t, executor.Killed, code)
	select {
	case <-ex.Done():
	default:
		t.Fatal("done must be closed")
	}
}

func TestProcessRejectsSSHUnit(t *testing.T) {
	t.Parallel()
	unit, err := executor.NewUnit(executor.SSH2, "node1", "tao", "", []string{"ls"}, false, "")
	require.NoError(t, err)
	_, err = executor.NewProcessExecutor(unit, nil, nil)
	require.ErrorIs(t, err, executor.ErrInvalidUnit)
}
