// Package task is the execution model of a workflow: jobs made of tasks,
// the per task status state machine, and the building of concrete command
// lines from processing component templates.
//
// A task is mutated only by the goroutine driving its execution, the types
// in this package are not safe for a concurrent use.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotPermitted      = errors.New("operation not permitted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateTask     = errors.New("duplicate task id")
)

// ValidationError reports a parameter not declared by a component
type ValidationError struct {
	Parameter string
	Component string
	Output    bool
}

func (e *ValidationError) Error() string {
	if e.Output {
		return fmt.Sprintf("The output parameter ID [%s] does not exists in the component '%s'", e.Parameter, e.Component)
	}
	return fmt.Sprintf("The parameter ID [%s] does not exists in the component '%s'", e.Parameter, e.Component)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type Kind string

const (
	KindProcessing Kind = "processing"
	KindDataSource Kind = "datasource"
	KindWPS        Kind = "wps"
	KindGroup      Kind = "group"
)

// Record is the persisted state common to all task kinds
type Record struct {
	ID             int64      `json:"id"`
	JobID          int64      `json:"job_id"`
	GroupID        int64      `json:"group_id,omitempty"`
	WorkflowNodeID int64      `json:"workflow_node_id,omitempty"`
	Level          int        `json:"level"`
	Host           string     `json:"host,omitempty"`
	Parents        []int64    `json:"parents,omitempty"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
	Status         Status     `json:"status"`
	InternalState  string     `json:"internal_state,omitempty"`
	Inputs         Variables  `json:"inputs,omitempty"`
	Outputs        Variables  `json:"outputs,omitempty"`
	// InstanceTargetOutput is the output path resolved on the first command build
	InstanceTargetOutput string `json:"instance_target_output,omitempty"`
	Command              string `json:"command,omitempty"`
	Log                  string `json:"log,omitempty"`
	ExitCode             int    `json:"exit_code"`
	UsedCPU              int    `json:"used_cpu,omitempty"`
	UsedRAM              int64  `json:"used_ram,omitempty"`
}

func (r *Record) Base() *Record {
	return r
}

// ChangeStatus moves the task to status, setting the start, end and last
// updated times
func (r *Record) ChangeStatus(status Status) error {
	if r.Status == status {
		return nil
	}
	if !CanTransition(r.Status, status) {
		return fmt.Errorf("%w: task %d from %s to %s", ErrInvalidTransition, r.ID, r.Status, status)
	}
	now := time.Now()
	if status == Running && r.Start == nil {
		r.Start = &now
	}
	if status.Terminal() {
		r.End = &now
	}
	r.LastUpdated = &now
	r.Status = status
	return nil
}

// NextInternalState is a no-op for tasks without an internal state handler
func (r *Record) NextInternalState() (string, bool) {
	return "", false
}

// rearm prepares an executed task for the next loop iteration
func (r *Record) rearm(state string) {
	now := time.Now()
	r.Status = Undetermined
	r.InternalState = state
	r.InstanceTargetOutput = ""
	r.Command = ""
	r.End = nil
	r.LastUpdated = &now
}

// Task is one node of a job
type Task interface {
	Base() *Record
	Kind() Kind
	SetInputParameterValue(id, value string) error
	SetOutputParameterValue(id, value string) error
	// BuildExecutionCommand returns the command line to execute. An empty
	// command means there is nothing to run.
	BuildExecutionCommand(ctx context.Context, bc BuildContext) (string, error)
	ChangeStatus(status Status) error
	// NextInternalState advances the internal state and returns it, false
	// is returned when the state is exhausted
	NextInternalState() (string, bool)
}

// Snapshot is a serializable copy of a task
type Snapshot struct {
	Kind   Kind   `json:"kind"`
	Record Record `json:"record"`
}

func SnapshotOf(t Task) Snapshot {
	r := *t.Base()
	r.Inputs = r.Inputs.Clone()
	r.Outputs = r.Outputs.Clone()
	r.Parents = slices.Clone(r.Parents)
	return Snapshot{Kind: t.Kind(), Record: r}
}
