// Package process controls a started OS process independently of any executor
// state: it can read the pid, suspend, resume and terminate it.
//
// The platform implementation is selected by build tags, so callers never
// branch on runtime.GOOS themselves. All OS call failures are logged and
// swallowed, only an unsupported platform or a process which was not started
// are reported as errors.
package process

import (
	"errors"
	"os"
	"os/exec"
)

var (
	ErrUnsupported = errors.New("process control is not supported on this platform")
	ErrNotStarted  = errors.New("process not started")
)

// Controller is the platform capability to manage a child process
type Controller interface {
	PID(p *os.Process) int
	Suspend(p *os.Process) error
	Resume(p *os.Process) error
	Terminate(p *os.Process) error
}

// New returns the controller for the platform the binary was built for
func New() Controller {
	return platform()
}

// CanElevate reports whether commands can be run as a super user through
// sudo with the password read from the standard input
func CanElevate() bool {
	return elevation
}

// Prepare sets platform specific attributes on cmd before it is started,
// so Controller can later address the whole process tree.
func Prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = sysProcAttr()
}

func pid(p *os.Process) (int, error) {
	if p == nil || p.Pid <= 0 {
		return 0, ErrNotStarted
	}
	return p.Pid, nil
}
