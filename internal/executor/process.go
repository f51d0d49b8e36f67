package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/CZERTAINLY/Tao/internal/process"
)

// ProcessExecutor runs a unit as a local process with stderr merged into
// stdout. The process is controlled through a process.Controller.
type ProcessExecutor struct {
	*state
	controller process.Controller

	mx   sync.Mutex
	proc *os.Process
}

func NewProcessExecutor(unit *ExecutionUnit, consumer OutputConsumer, controller process.Controller) (*ProcessExecutor, error) {
	if unit == nil || unit.Type() != Process {
		return nil, fmt.Errorf("%w: process executor needs a process unit", ErrInvalidUnit)
	}
	if controller == nil {
		controller = process.New()
	}
	return &ProcessExecutor{
		state:      newState(unit, consumer),
		controller: controller,
	}, nil
}

func (e *ProcessExecutor) Run(ctx context.Context) int {
	return e.run(ctx, e.Execute)
}

func (e *ProcessExecutor) Execute(ctx context.Context, logMessages bool) (int, error) {
	if err := e.begin(); err != nil {
		return e.ReturnCode(), err
	}
	ctx = e.logContext(ctx)
	return e.finish(e.execute(ctx, logMessages))
}

func (e *ProcessExecutor) command() *exec.Cmd {
	args := e.unit.CommandLine()
	var cmd *exec.Cmd
	if e.unit.AsSuperUser() && process.CanElevate() {
		cmd = exec.Command("sh", "-c", SudoShellLine(args))
	} else {
		cmd = exec.Command(args[0], args[1:]...)
	}
	cmd.Dir = e.unit.WorkingDir()
	cmd.Env = os.Environ()
	if c := e.unit.Container(); c != nil {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+c.Env[k])
		}
	}
	process.Prepare(cmd)
	return cmd
}

func (e *ProcessExecutor) execute(ctx context.Context, logMessages bool) (int, error) {
	cmd := e.command()
	slog.DebugContext(ctx, "starting process", "command", cmd.String(), "dir", cmd.Dir)

	r, w, err := os.Pipe()
	if err != nil {
		return InternalError, fmt.Errorf("output pipe: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()
	cmd.Stdout = w
	cmd.Stderr = w
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = w.Close()
		return InternalError, fmt.Errorf("input pipe: %w", err)
	}
	defer func() {
		_ = stdin.Close()
	}()

	err = cmd.Start()
	_ = w.Close()
	if err != nil {
		return InternalError, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if e.attach(cmd.Process) {
		_ = e.controller.Terminate(cmd.Process)
	}
	defer e.attach(nil)
	stop := context.AfterFunc(ctx, func() {
		_ = e.Stop()
	})
	defer stop()

	if e.unit.AsSuperUser() && process.CanElevate() {
		if _, err := io.WriteString(stdin, e.unit.Password()+"\n"); err != nil {
			slog.DebugContext(ctx, "writing sudo password", "error", err)
		}
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()
	lines := readLines(r)
	werr := pump(lines, exited, func() { _ = r.Close() }, func(line string) {
		e.emit(ctx, line, logMessages)
	})

	var exitErr *exec.ExitError
	switch {
	case werr == nil:
		return 0, nil
	case errors.As(werr, &exitErr):
		code := exitErr.ExitCode()
		slog.DebugContext(ctx, "process exited", "code", code, "stopped", e.IsStopped())
		return code, nil
	default:
		return InternalError, fmt.Errorf("waiting for %s: %w", cmd.Path, werr)
	}
}

// attach sets the running process and reports if a stop was requested meanwhile
func (e *ProcessExecutor) attach(p *os.Process) bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.proc = p
	return p != nil && e.stopped.Load()
}

func (e *ProcessExecutor) current() *os.Process {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.proc
}

// PID returns the pid of the running process or -1
func (e *ProcessExecutor) PID() int {
	p := e.current()
	if p == nil {
		return -1
	}
	return e.controller.PID(p)
}

func (e *ProcessExecutor) Stop() error {
	e.stopped.Store(true)
	p := e.current()
	if p == nil {
		return nil
	}
	return e.controller.Terminate(p)
}

func (e *ProcessExecutor) Suspend() error {
	e.suspended.Store(true)
	p := e.current()
	if p == nil {
		return nil
	}
	return e.controller.Suspend(p)
}

func (e *ProcessExecutor) Resume() error {
	e.suspended.Store(false)
	p := e.current()
	if p == nil {
		return nil
	}
	return e.controller.Resume(p)
}
