//go:build unix

package process

import (
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type signals struct{}

// elevation is the availability of sudo for super user execution
const elevation = true

func platform() Controller {
	return signals{}
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func (signals) PID(p *os.Process) int {
	n, err := pid(p)
	if err != nil {
		return -1
	}
	return n
}

func (signals) Suspend(p *os.Process) error {
	return signal(p, unix.SIGSTOP)
}

func (signals) Resume(p *os.Process) error {
	return signal(p, unix.SIGCONT)
}

func (signals) Terminate(p *os.Process) error {
	return signal(p, unix.SIGKILL)
}

// signal sends sig to the process group led by p, falling back to the pid
// itself when p does not lead a group.
func signal(p *os.Process, sig unix.Signal) error {
	n, err := pid(p)
	if err != nil {
		return err
	}
	if pgid, err := unix.Getpgid(n); err == nil && pgid == n {
		if err := unix.Kill(-pgid, sig); err == nil {
			return nil
		}
	}
	if err := unix.Kill(n, sig); err != nil {
		slog.Debug("signal process", "pid", n, "signal", sig.String(), "error", err)
	}
	return nil
}
