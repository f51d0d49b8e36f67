package task

import (
	"fmt"
)

// Status is the execution status of a task or a job. The numeric values
// are persisted and must not change.
type Status int

const (
	Undetermined Status = iota
	QueuedActive
	Running
	Suspended
	Done
	Failed
	Cancelled
)

var statusNames = [...]string{
	Undetermined: "UNDETERMINED",
	QueuedActive: "QUEUED_ACTIVE",
	Running:      "RUNNING",
	Suspended:    "SUSPENDED",
	Done:         "DONE",
	Failed:       "FAILED",
	Cancelled:    "CANCELLED",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports if no transition leaves the status
func (s Status) Terminal() bool {
	return s == Done || s == Failed || s == Cancelled
}

func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return Undetermined, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanTransition implements the task state machine
//
//	UNDETERMINED, QUEUED_ACTIVE -> RUNNING | terminal
//	UNDETERMINED -> QUEUED_ACTIVE
//	RUNNING -> SUSPENDED | terminal
//	SUSPENDED -> RUNNING | CANCELLED
func CanTransition(from, to Status) bool {
	switch from {
	case Undetermined:
		return to == QueuedActive || to == Running || to.Terminal()
	case QueuedActive:
		return to == Running || to.Terminal()
	case Running:
		return to == Suspended || to.Terminal()
	case Suspended:
		return to == Running || to == Cancelled
	default:
		return false
	}
}
