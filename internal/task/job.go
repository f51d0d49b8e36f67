package task

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Job is a workflow instance, the set of its tasks with unique ids
type Job struct {
	ID         int64
	Name       string
	User       string
	WorkflowID int64
	QueryID    int64
	BatchID    string
	Status     Status
	Created    time.Time

	tasks []Task
	byID  map[int64]Task
}

func NewJob(id int64, name, user string) *Job {
	return &Job{
		ID:      id,
		Name:    name,
		User:    user,
		Created: time.Now(),
		byID:    make(map[int64]Task),
	}
}

// AddTask adds t to the job, ErrDuplicateTask is returned when a task with
// the same id is present
func (j *Job) AddTask(t Task) error {
	id := t.Base().ID
	if _, ok := j.byID[id]; ok {
		return fmt.Errorf("%w: %d in job %d", ErrDuplicateTask, id, j.ID)
	}
	t.Base().JobID = j.ID
	j.tasks = append(j.tasks, t)
	j.byID[id] = t
	return nil
}

func (j *Job) Tasks() []Task {
	return slices.Clone(j.tasks)
}

func (j *Job) Task(id int64) (Task, bool) {
	t, ok := j.byID[id]
	return t, ok
}

// OrderedTasks returns the tasks sorted by level, then by id
func (j *Job) OrderedTasks() []Task {
	ret := slices.Clone(j.tasks)
	slices.SortStableFunc(ret, func(a, b Task) int {
		return cmp.Or(
			cmp.Compare(a.Base().Level, b.Base().Level),
			cmp.Compare(a.Base().ID, b.Base().ID),
		)
	})
	return ret
}

// Levels groups the tasks outside of any group by level, in order
func (j *Job) Levels() [][]Task {
	var ret [][]Task
	last := -1
	for _, t := range j.OrderedTasks() {
		if t.Base().GroupID != 0 {
			continue
		}
		if t.Base().Level != last {
			ret = append(ret, nil)
			last = t.Base().Level
		}
		ret[len(ret)-1] = append(ret[len(ret)-1], t)
	}
	return ret
}

// RootTasks returns the tasks of the first level
func (j *Job) RootTasks() []Task {
	var ret []Task
	for _, t := range j.OrderedTasks() {
		if t.Base().Level == 1 {
			ret = append(ret, t)
		}
	}
	return ret
}

func (j *Job) Find(status Status) []Task {
	var ret []Task
	for _, t := range j.tasks {
		if t.Base().Status == status {
			ret = append(ret, t)
		}
	}
	return ret
}

// Dependents returns the tasks depending on id, directly or transitively
func (j *Job) Dependents(id int64) []Task {
	seen := map[int64]bool{id: true}
	queue := []int64{id}
	var ret []Task
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, t := range j.OrderedTasks() {
			tid := t.Base().ID
			if seen[tid] || !slices.Contains(t.Base().Parents, parent) {
				continue
			}
			seen[tid] = true
			ret = append(ret, t)
			queue = append(queue, tid)
		}
	}
	return ret
}

// UpdateStatus derives the job status from the task statuses and returns
// it. A job with no task started keeps its status.
func (j *Job) UpdateStatus() Status {
	if len(j.tasks) == 0 {
		return j.Status
	}
	var pending, running, failed, cancelled int
	for _, t := range j.tasks {
		switch t.Base().Status {
		case Running, Suspended:
			running++
		case Failed:
			failed++
		case Cancelled:
			cancelled++
		case Undetermined, QueuedActive:
			pending++
		}
	}
	switch {
	case running > 0:
		j.Status = Running
	case pending == len(j.tasks):
	case pending > 0:
		j.Status = Running
	case failed > 0:
		j.Status = Failed
	case cancelled > 0:
		j.Status = Cancelled
	default:
		j.Status = Done
	}
	return j.Status
}

// Terminal reports if all tasks reached a terminal status
func (j *Job) Terminal() bool {
	for _, t := range j.tasks {
		if !t.Base().Status.Terminal() {
			return false
		}
	}
	return true
}

// JobSnapshot is a serializable copy of a job and its tasks
type JobSnapshot struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	User       string     `json:"user"`
	WorkflowID int64      `json:"workflow_id,omitempty"`
	QueryID    int64      `json:"query_id,omitempty"`
	BatchID    string     `json:"batch_id,omitempty"`
	Status     Status     `json:"status"`
	Created    time.Time  `json:"created"`
	Tasks      []Snapshot `json:"tasks"`
}

func (j *Job) Snapshot() JobSnapshot {
	s := JobSnapshot{
		ID:         j.ID,
		Name:       j.Name,
		User:       j.User,
		WorkflowID: j.WorkflowID,
		QueryID:    j.QueryID,
		BatchID:    j.BatchID,
		Status:     j.Status,
		Created:    j.Created,
		Tasks:      make([]Snapshot, 0, len(j.tasks)),
	}
	for _, t := range j.OrderedTasks() {
		s.Tasks = append(s.Tasks, SnapshotOf(t))
	}
	return s
}
