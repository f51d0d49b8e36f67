//go:build !unix && !windows

package process

import (
	"os"
	"syscall"
)

type unsupported struct{}

// elevation is the availability of sudo for super user execution
const elevation = false

func platform() Controller {
	return unsupported{}
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func (unsupported) PID(p *os.Process) int {
	n, err := pid(p)
	if err != nil {
		return -1
	}
	return n
}

func (unsupported) Suspend(*os.Process) error   { return ErrUnsupported }
func (unsupported) Resume(*os.Process) error    { return ErrUnsupported }
func (unsupported) Terminate(*os.Process) error { return ErrUnsupported }
