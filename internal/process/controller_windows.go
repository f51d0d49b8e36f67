//go:build windows

package process

import (
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// PROCESS_SUSPEND_RESUME access right
const processSuspendResume = 0x0800

var (
	ntdll             = windows.NewLazySystemDLL("ntdll.dll")
	procNtSuspendProc = ntdll.NewProc("NtSuspendProcess")
	procNtResumeProc  = ntdll.NewProc("NtResumeProcess")
)

type native struct{}

// elevation is the availability of sudo for super user execution
const elevation = false

func platform() Controller {
	return native{}
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func (native) PID(p *os.Process) int {
	n, err := pid(p)
	if err != nil {
		return -1
	}
	return n
}

func (native) Suspend(p *os.Process) error {
	return call(p, procNtSuspendProc)
}

func (native) Resume(p *os.Process) error {
	return call(p, procNtResumeProc)
}

// Terminate kills the whole process tree, as the child may be a cmd.exe wrapper
func (native) Terminate(p *os.Process) error {
	n, err := pid(p)
	if err != nil {
		return err
	}
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(n), "/F", "/T").CombinedOutput()
	if err != nil {
		slog.Debug("taskkill", "pid", n, "output", string(out), "error", err)
		if err := p.Kill(); err != nil {
			slog.Debug("kill process", "pid", n, "error", err)
		}
	}
	return nil
}

func call(p *os.Process, proc *windows.LazyProc) error {
	n, err := pid(p)
	if err != nil {
		return err
	}
	h, err := windows.OpenProcess(processSuspendResume, false, uint32(n))
	if err != nil {
		slog.Debug("open process", "pid", n, "error", err)
		return nil
	}
	defer func() {
		_ = windows.CloseHandle(h)
	}()
	if err := proc.Find(); err != nil {
		slog.Debug("ntdll lookup", "proc", proc.Name, "error", err)
		return nil
	}
	if r, _, err := proc.Call(uintptr(h)); r != 0 {
		slog.Debug("ntdll call", "proc", proc.Name, "pid", n, "status", r, "error", err)
	}
	return nil
}
