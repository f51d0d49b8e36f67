package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Tao/internal/events"
	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/CZERTAINLY/Tao/internal/log"
	"github.com/CZERTAINLY/Tao/internal/session"
	"github.com/CZERTAINLY/Tao/internal/store"
	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/CZERTAINLY/Tao/internal/template"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownHost = errors.New("unknown host")

// Dispatcher runs an execution unit and waits for its completion
type Dispatcher interface {
	ExecuteWait(ctx context.Context, consumer executor.OutputConsumer, timeout time.Duration, unit *executor.ExecutionUnit) (int, error)
}

type RunnerOption func(*Runner)

func WithStore(s *store.Badger) RunnerOption {
	return func(r *Runner) {
		r.store = s
	}
}

func WithBus(b *events.Bus) RunnerOption {
	return func(r *Runner) {
		r.bus = b
	}
}

// WithNodes makes the nodes available as task hosts
func WithNodes(nodes []session.NodeConfig) RunnerOption {
	return func(r *Runner) {
		for _, n := range nodes {
			r.nodes[n.Name] = n
		}
	}
}

// WithVolumes mounts the volume map into containers of components with a
// container id
func WithVolumes(v *task.VolumeMap, runtime executor.ContainerType) RunnerOption {
	return func(r *Runner) {
		r.volumes = v
		if runtime != "" {
			r.runtime = runtime
		}
	}
}

func WithRegistry(reg *template.Registry) RunnerOption {
	return func(r *Runner) {
		r.registry = reg
	}
}

// WithJobTimeout bounds the execution time of a whole job
func WithJobTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// Runner executes jobs level by level. Tasks of one level run in
// parallel, a failed task cancels its dependents only.
type Runner struct {
	dispatcher Dispatcher
	workspace  task.Workspace
	registry   *template.Registry
	volumes    *task.VolumeMap
	runtime    executor.ContainerType
	nodes      map[string]session.NodeConfig
	store      *store.Badger
	bus        *events.Bus
	timeout    time.Duration
}

func NewRunner(dispatcher Dispatcher, workspace task.Workspace, opts ...RunnerOption) *Runner {
	r := &Runner{
		dispatcher: dispatcher,
		workspace:  workspace,
		runtime:    executor.Docker,
		nodes:      make(map[string]session.NodeConfig),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes job until all its tasks are terminal and returns the job
// status. The error is non nil when ctx ended before, all remaining tasks
// are cancelled then.
func (r *Runner) Run(ctx context.Context, job *task.Job) (task.Status, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ctx = log.ContextAttrs(ctx, slog.Group("job",
		slog.Int64("id", job.ID),
		slog.String("name", job.Name),
		slog.String("user", job.User),
	))

	scripts := r.workspace.Scripts
	if scripts != "" && !filepath.IsAbs(scripts) {
		scripts = filepath.Join(r.workspace.Root, scripts)
	}
	jr := &jobRun{
		Runner: r,
		job:    job,
		bc: task.BuildContext{
			Session:    r.workspace.Session(job.User),
			System:     r.workspace.For(job.User),
			Registry:   r.registry,
			Volumes:    r.volumes,
			ScriptsDir: scripts,
		},
	}

	jr.mx.Lock()
	prev := job.Status
	job.Status = task.Running
	jr.publishJob(ctx, prev)
	jr.mx.Unlock()

	slog.InfoContext(ctx, "job started", "tasks", len(job.Tasks()))
	err := jr.runLevels(ctx, job.Levels())

	jr.mx.Lock()
	defer jr.mx.Unlock()
	if err != nil {
		for _, t := range job.Tasks() {
			if !t.Base().Status.Terminal() {
				jr.transition(ctx, t, task.Cancelled)
			}
		}
	}
	prev = job.Status
	status := job.UpdateStatus()
	jr.publishJob(ctx, prev)
	if r.store != nil {
		if serr := r.store.SaveJob(ctx, job); serr != nil {
			slog.ErrorContext(ctx, "saving job", "error", serr)
		}
		if job.Terminal() {
			if serr := r.store.Archive(ctx, job.ID); serr != nil {
				slog.ErrorContext(ctx, "archiving job", "error", serr)
			}
		}
	}
	slog.InfoContext(ctx, "job finished", "status", status)
	return status, err
}

// jobRun is the state of one job execution. The mutex guards every task
// of the job, commands run without holding it.
type jobRun struct {
	*Runner
	mx  sync.Mutex
	job *task.Job
	bc  task.BuildContext
}

func (jr *jobRun) runLevels(ctx context.Context, levels [][]task.Task) error {
	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		var g errgroup.Group
		for _, t := range level {
			g.Go(func() error {
				return jr.runTask(ctx, t)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// runTask returns an error only when ctx ends, a task failure is recorded
// in the task itself
func (jr *jobRun) runTask(ctx context.Context, t task.Task) error {
	jr.mx.Lock()
	if t.Base().Status.Terminal() {
		jr.mx.Unlock()
		return nil
	}
	if g, ok := t.(*task.Group); ok {
		jr.mx.Unlock()
		return jr.runGroup(ctx, g)
	}
	cmd, err := t.BuildExecutionCommand(ctx, jr.bc)
	if err != nil {
		jr.complete(ctx, t, executor.InternalError, err.Error())
		jr.mx.Unlock()
		return nil
	}
	jr.transition(ctx, t, task.Running)
	if cmd == "" {
		// data sources and remote services have nothing to run locally
		jr.complete(ctx, t, 0, "")
		jr.mx.Unlock()
		return nil
	}
	unit, err := jr.unit(t, cmd)
	jr.mx.Unlock()
	if err != nil {
		jr.locked(func() { jr.complete(ctx, t, executor.InternalError, err.Error()) })
		return nil
	}

	acc := executor.NewAccumulator()
	code, err := jr.dispatcher.ExecuteWait(ctx, acc, 0, unit)
	if err != nil && ctx.Err() != nil {
		jr.locked(func() {
			t.Base().Log = acc.String()
			jr.transition(ctx, t, task.Cancelled)
		})
		return ctx.Err()
	}
	output := acc.String()
	if err != nil {
		slog.WarnContext(ctx, "task execution", "task", t.Base().ID, "error", err)
		if code == 0 || code == executor.NotCompleted {
			code = executor.InternalError
		}
		output += err.Error()
	}
	jr.locked(func() { jr.complete(ctx, t, code, output) })
	return nil
}

// runGroup executes the children of g by level, each loop iteration once
func (jr *jobRun) runGroup(ctx context.Context, g *task.Group) error {
	var (
		loop *task.LoopStateHandler
		err  error
	)
	jr.locked(func() {
		jr.transition(ctx, g, task.Running)
		loop, err = g.Loop()
	})
	if err != nil {
		return jr.closeGroup(ctx, g, err)
	}
	levels := groupLevels(g.Tasks())
	if loop == nil {
		return jr.closeGroup(ctx, g, jr.runLevels(ctx, levels))
	}
	for {
		var (
			state task.LoopState
			ok    bool
		)
		jr.locked(func() {
			state, ok, err = g.NextIteration()
		})
		if err != nil || !ok {
			return jr.closeGroup(ctx, g, err)
		}
		slog.DebugContext(ctx, "loop iteration", "group", g.ID, "iteration", state.Current, "limit", state.Limit)
		if err := jr.runLevels(ctx, levels); err != nil {
			return jr.closeGroup(ctx, g, err)
		}
		if jr.childFailed(g) {
			return jr.closeGroup(ctx, g, nil)
		}
	}
}

func (jr *jobRun) childFailed(g *task.Group) bool {
	jr.mx.Lock()
	defer jr.mx.Unlock()
	return slices.ContainsFunc(g.Tasks(), func(t task.Task) bool {
		return t.Base().Status == task.Failed
	})
}

// closeGroup settles the group status, err is returned when ctx ended
func (jr *jobRun) closeGroup(ctx context.Context, g *task.Group, err error) error {
	failed := jr.childFailed(g)
	jr.mx.Lock()
	defer jr.mx.Unlock()
	switch {
	case ctx.Err() != nil:
		jr.transition(ctx, g, task.Cancelled)
		return ctx.Err()
	case err != nil:
		slog.WarnContext(ctx, "group failed", "group", g.ID, "error", err)
		g.Log = err.Error()
		jr.transition(ctx, g, task.Failed)
		jr.cancelDependents(ctx, g)
	case failed:
		jr.transition(ctx, g, task.Failed)
		jr.cancelDependents(ctx, g)
	default:
		jr.transition(ctx, g, task.Done)
		jr.propagate(ctx, g)
	}
	return nil
}

// complete records the exit code of t, the lock must be held
func (jr *jobRun) complete(ctx context.Context, t task.Task, code int, output string) {
	rec := t.Base()
	rec.ExitCode = code
	rec.Log = output
	if code != 0 {
		jr.transition(ctx, t, task.Failed)
		jr.cancelDependents(ctx, t)
		return
	}
	if pt, ok := t.(*task.ProcessingTask); ok && pt.Component != nil && len(pt.Component.Targets) > 0 && pt.InstanceTargetOutput != "" {
		_ = pt.SetOutputParameterValue(pt.Component.Targets[0].Name, pt.InstanceTargetOutput)
	}
	jr.transition(ctx, t, task.Done)
	jr.propagate(ctx, t)
}

func (jr *jobRun) cancelDependents(ctx context.Context, t task.Task) {
	for _, d := range jr.job.Dependents(t.Base().ID) {
		if !d.Base().Status.Terminal() {
			jr.transition(ctx, d, task.Cancelled)
		}
	}
}

// propagate hands the outputs of t over to its children as inputs. The
// outputs of a task no sibling depends on are collected by its group.
func (jr *jobRun) propagate(ctx context.Context, t task.Task) {
	rec := t.Base()
	var siblingDependent bool
	for _, c := range jr.job.Tasks() {
		if !slices.Contains(c.Base().Parents, rec.ID) {
			continue
		}
		if rec.GroupID != 0 && c.Base().GroupID == rec.GroupID {
			siblingDependent = true
		}
		for _, v := range rec.Outputs {
			if err := c.SetInputParameterValue(v.Key, v.Value); err != nil && !errors.Is(err, task.ErrValidation) {
				slog.WarnContext(ctx, "passing output", "task", rec.ID, "child", c.Base().ID, "error", err)
			}
		}
	}
	if rec.GroupID == 0 || siblingDependent {
		return
	}
	if g, ok := jr.job.Task(rec.GroupID); ok {
		for _, v := range rec.Outputs {
			_ = g.SetOutputParameterValue(v.Key, v.Value)
		}
	}
}

// transition changes the status of t, publishes and stores the change.
// The lock must be held.
func (jr *jobRun) transition(ctx context.Context, t task.Task, status task.Status) {
	rec := t.Base()
	prev := rec.Status
	if err := t.ChangeStatus(status); err != nil {
		slog.WarnContext(ctx, "task status", "task", rec.ID, "error", err)
		return
	}
	if prev == status {
		return
	}
	slog.DebugContext(ctx, "task status", "task", rec.ID, "from", prev, "to", status)
	if jr.bus != nil {
		err := jr.bus.PublishTask(ctx, events.TaskStatusChanged{
			JobID:    jr.job.ID,
			TaskID:   rec.ID,
			Kind:     t.Kind(),
			Host:     rec.Host,
			Previous: prev,
			Status:   status,
			ExitCode: rec.ExitCode,
			At:       time.Now(),
		})
		if err != nil {
			slog.WarnContext(ctx, "publishing task status", "task", rec.ID, "error", err)
		}
	}
	if jr.store != nil {
		if err := jr.store.SaveTask(ctx, jr.job.ID, t); err != nil {
			slog.ErrorContext(ctx, "saving task", "task", rec.ID, "error", err)
		}
	}
}

// publishJob announces the change of the job status from prev
func (jr *jobRun) publishJob(ctx context.Context, prev task.Status) {
	if prev == jr.job.Status || jr.bus == nil {
		return
	}
	err := jr.bus.PublishJob(ctx, events.JobStatusChanged{
		JobID:    jr.job.ID,
		User:     jr.job.User,
		Previous: prev,
		Status:   jr.job.Status,
		At:       time.Now(),
	})
	if err != nil {
		slog.WarnContext(ctx, "publishing job status", "error", err)
	}
}

func (jr *jobRun) locked(f func()) {
	jr.mx.Lock()
	defer jr.mx.Unlock()
	f()
}

// unit creates the execution unit of cmd on the task host. An empty host
// is the local machine.
func (r *Runner) unit(t task.Task, cmd string) (*executor.ExecutionUnit, error) {
	args := executor.Tokenize(cmd)
	host := t.Base().Host
	var (
		unit *executor.ExecutionUnit
		err  error
	)
	node, known := r.nodes[host]
	switch {
	case host == "" || (known && node.IsLocal()):
		unit, err = executor.NewUnit(executor.Process, "", "", "", args, false, "")
	case known:
		unit, err = executor.NewUnit(executor.SSH2, node.Address(), node.User, node.Password, args, false, executor.Exec)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if err != nil {
		return nil, err
	}
	if pt, ok := t.(*task.ProcessingTask); ok && pt.Component.ContainerID != "" {
		err = unit.SetContainer(&executor.ContainerUnit{
			Type:    r.runtime,
			Image:   pt.Component.ContainerID,
			Volumes: mounts(r.volumes),
		})
		if err != nil {
			return nil, err
		}
	}
	return unit, nil
}

// mounts returns the host to container folder pairs of v
func mounts(v *task.VolumeMap) map[string]string {
	if v == nil {
		return nil
	}
	m := make(map[string]string, 4+len(v.Additional))
	pairs := [][2]string{
		{v.HostWorkspace, v.ContainerWorkspace},
		{v.HostTemp, v.ContainerTemp},
		{v.HostConfig, v.ContainerConfig},
		{v.HostEOData, v.ContainerEOData},
	}
	for _, p := range pairs {
		if p[0] != "" && p[1] != "" {
			m[p[0]] = p[1]
		}
	}
	for host, container := range v.Additional {
		m[host] = container
	}
	return m
}

// groupLevels orders the direct children of a group by level
func groupLevels(tasks []task.Task) [][]task.Task {
	slices.SortStableFunc(tasks, func(a, b task.Task) int {
		return cmp.Or(
			cmp.Compare(a.Base().Level, b.Base().Level),
			cmp.Compare(a.Base().ID, b.Base().ID),
		)
	})
	var ret [][]task.Task
	last := -1
	for _, t := range tasks {
		if t.Base().Level != last {
			ret = append(ret, nil)
			last = t.Base().Level
		}
		ret[len(ret)-1] = append(ret[len(ret)-1], t)
	}
	return ret
}
