// Package session runs plain command jobs over a set of execution nodes,
// in the manner of a DRMAA session: jobs are started from templates on
// the next node in turn, then controlled, waited for and queried by id.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Tao/internal/cache"
	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/CZERTAINLY/Tao/internal/inspect"
	"github.com/CZERTAINLY/Tao/internal/store"
	"github.com/CZERTAINLY/Tao/internal/task"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInconsistentState = errors.New("inconsistent job state")
	ErrNoSuchJob         = errors.New("no such job")
	ErrInvalidTemplate   = errors.New("invalid job template")
	ErrExited            = errors.New("session exited")
	ErrNoNode            = errors.New("no node satisfies the job requirements")
)

type Action int

const (
	Hold Action = iota
	Release
	Suspend
	Resume
	Terminate
)

func (a Action) String() string {
	switch a {
	case Hold:
		return "hold"
	case Release:
		return "release"
	case Suspend:
		return "suspend"
	case Resume:
		return "resume"
	case Terminate:
		return "terminate"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Template describes a job to run
type Template struct {
	Name       string
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	// MinMemory in MB and MinDisk in GB the node must have available
	MinMemory   int64
	MinDisk     int64
	AsSuperUser bool
}

// Dispatcher starts executions, executor.Dispatcher implements it
type Dispatcher interface {
	Execute(ctx context.Context, consumer executor.OutputConsumer, unit *executor.ExecutionUnit) (executor.Executor, error)
}

type Option func(*Session)

// WithInspection makes the node selection skip nodes without the resources
// a template asks for. Node snapshots are cached for retention.
func WithInspection(runner inspect.Runner, retention time.Duration) Option {
	return func(s *Session) {
		s.resources = cache.New(func(name string) (inspect.Info, error) {
			node, ok := s.node(name)
			if !ok {
				return inspect.Info{}, fmt.Errorf("unknown node %q", name)
			}
			in := inspect.New(runner, inspect.Target{
				Host:     node.Address(),
				User:     node.User,
				Password: node.Password,
				Remote:   !node.IsLocal(),
			})
			return in.Snapshot(context.Background())
		}, retention)
	}
}

// WithLedger records every run and its outcome in runs
func WithLedger(runs *store.Runs) Option {
	return func(s *Session) {
		s.ledger = runs
	}
}

// WithConsumer receives the output of all jobs
func WithConsumer(c executor.OutputConsumer) Option {
	return func(s *Session) {
		s.consumer = c
	}
}

type Session struct {
	dispatcher Dispatcher
	nodes      []NodeConfig
	counter    atomic.Uint64
	consumer   executor.OutputConsumer
	resources  *cache.AutoEvictableCache[string, inspect.Info]
	ledger     *store.Runs

	mx     sync.Mutex
	jobs   map[string]executor.Executor
	exited bool
	wg     sync.WaitGroup
}

// New returns a session over nodes, without nodes the jobs run on localhost
func New(dispatcher Dispatcher, nodes []NodeConfig, opts ...Option) (*Session, error) {
	if len(nodes) == 0 {
		nodes = []NodeConfig{{Name: "localhost", Local: true}}
	}
	if err := ValidateNodes(nodes); err != nil {
		return nil, err
	}
	s := &Session{
		dispatcher: dispatcher,
		nodes:      slices.Clone(nodes),
		consumer:   executor.Discard,
		jobs:       make(map[string]executor.Executor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Session) Nodes() []NodeConfig {
	return slices.Clone(s.nodes)
}

func (s *Session) node(name string) (NodeConfig, bool) {
	for _, n := range s.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// pick returns the next node in turn able to host tmpl
func (s *Session) pick(ctx context.Context, tmpl Template) (NodeConfig, error) {
	start := s.counter.Add(1) - 1
	for i := range len(s.nodes) {
		node := s.nodes[(start+uint64(i))%uint64(len(s.nodes))]
		if s.resources == nil || (tmpl.MinMemory == 0 && tmpl.MinDisk == 0) {
			return node, nil
		}
		info, err := s.resources.Get(node.Name)
		if err != nil {
			slog.WarnContext(ctx, "node inspection failed", "node", node.Name, "error", err)
			continue
		}
		if info.Satisfies(tmpl.MinMemory, tmpl.MinDisk) {
			return node, nil
		}
		slog.DebugContext(ctx, "node skipped", "node", node.Name, "info", info)
	}
	return NodeConfig{}, fmt.Errorf("%w: memory %dMB, disk %dGB", ErrNoNode, tmpl.MinMemory, tmpl.MinDisk)
}

func (tmpl Template) arguments() []string {
	var args []string
	if len(tmpl.Env) > 0 {
		args = append(args, "env")
		for _, k := range slices.Sorted(maps.Keys(tmpl.Env)) {
			args = append(args, k+"="+tmpl.Env[k])
		}
	}
	args = append(args, tmpl.Command)
	return append(args, tmpl.Args...)
}

func (s *Session) unit(node NodeConfig, tmpl Template) (*executor.ExecutionUnit, error) {
	opts := []executor.UnitOption{executor.WithResources(tmpl.MinMemory, tmpl.MinDisk)}
	var (
		unit *executor.ExecutionUnit
		err  error
	)
	if node.IsLocal() {
		unit, err = executor.NewUnit(executor.Process, node.Name, node.User, node.Password,
			tmpl.arguments(), tmpl.AsSuperUser, "", opts...)
	} else {
		unit, err = executor.NewUnit(executor.SSH2, node.Address(), node.User, node.Password,
			tmpl.arguments(), tmpl.AsSuperUser, executor.Exec, opts...)
	}
	if err != nil {
		return nil, err
	}
	if tmpl.WorkingDir != "" {
		if err := unit.SetWorkingDir(tmpl.WorkingDir); err != nil {
			return nil, err
		}
	}
	return unit, nil
}

// RunJob starts tmpl on the next node and returns the job id, name:uuid
func (s *Session) RunJob(ctx context.Context, tmpl Template) (string, error) {
	if tmpl.Command == "" {
		return "", fmt.Errorf("%w: no command", ErrInvalidTemplate)
	}
	if tmpl.Name == "" {
		tmpl.Name = uuid.NewString()
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.exited {
		return "", ErrExited
	}
	node, err := s.pick(ctx, tmpl)
	if err != nil {
		return "", err
	}
	unit, err := s.unit(node, tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	id := tmpl.Name + ":" + uuid.NewString()
	if s.ledger != nil {
		if err := s.ledger.Start(ctx, id, node.Name); err != nil {
			return "", fmt.Errorf("recording job %s: %w", id, err)
		}
	}
	// jobs outlive the call, only Terminate or Exit stop them
	ex, err := s.dispatcher.Execute(context.WithoutCancel(ctx), s.consumer, unit)
	if err != nil {
		s.finish(ctx, id, executor.InternalError, err.Error())
		return "", err
	}
	s.jobs[id] = ex
	s.wg.Go(func() {
		<-ex.Done()
		s.finish(ctx, id, ex.ReturnCode(), "")
	})
	slog.InfoContext(ctx, "job started", "job", id, "node", node.Name)
	return id, nil
}

func (s *Session) finish(ctx context.Context, id string, code int, reason string) {
	if s.ledger == nil {
		return
	}
	if code == executor.InternalError && reason == "" {
		reason = "internal error"
	}
	if err := s.ledger.Finish(context.WithoutCancel(ctx), id, code, reason); err != nil {
		slog.WarnContext(ctx, "recording job end failed", "job", id, "error", err)
	}
}

// RunBulkJobs starts n jobs of tmpl
func (s *Session) RunBulkJobs(ctx context.Context, tmpl Template, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for range n {
		id, err := s.RunJob(ctx, tmpl)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Session) job(id string) (executor.Executor, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.exited {
		return nil, ErrExited
	}
	ex, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchJob, id)
	}
	return ex, nil
}

func (s *Session) forget(ids ...string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
}

// Control applies action to a job. Holding and suspending need a running
// job, releasing and resuming a suspended one.
func (s *Session) Control(id string, action Action) error {
	ex, err := s.job(id)
	if err != nil {
		return err
	}
	switch action {
	case Hold, Suspend:
		if !ex.IsRunning() || ex.IsSuspended() {
			return fmt.Errorf("%w: %s of job %s which is not running", ErrInconsistentState, action, id)
		}
		return ex.Suspend()
	case Release, Resume:
		if !ex.IsSuspended() {
			return fmt.Errorf("%w: %s of job %s which is not suspended", ErrInconsistentState, action, id)
		}
		return ex.Resume()
	case Terminate:
		return ex.Stop()
	}
	return fmt.Errorf("unknown action %s", action)
}

// Wait waits at most timeout for the job and forgets it. A job still running
// on timeout is stopped and executor.ErrTimeout returned. Zero timeout waits
// until ctx is done.
func (s *Session) Wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	ex, err := s.job(id)
	if err != nil {
		return executor.NotCompleted, err
	}
	defer s.forget(id)
	return wait(ctx, ex, timeout)
}

func wait(ctx context.Context, ex executor.Executor, timeout time.Duration) (int, error) {
	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	code, err := ex.Wait(wctx)
	if err == nil {
		return code, nil
	}
	_ = ex.Stop()
	<-ex.Done()
	if ctx.Err() != nil {
		return ex.ReturnCode(), ctx.Err()
	}
	return ex.ReturnCode(), fmt.Errorf("%w after %s", executor.ErrTimeout, timeout)
}

// Synchronize waits for all ids at most timeout each, then forgets them
func (s *Session) Synchronize(ctx context.Context, ids []string, timeout time.Duration) error {
	if len(ids) == 0 {
		return errors.New("at least one job id is needed")
	}
	executors := make([]executor.Executor, len(ids))
	for i, id := range ids {
		ex, err := s.job(id)
		if err != nil {
			return err
		}
		executors[i] = ex
	}
	defer s.forget(ids...)

	var g errgroup.Group
	for i, ex := range executors {
		g.Go(func() error {
			if _, err := wait(ctx, ex, timeout); err != nil {
				return fmt.Errorf("job %s: %w", ids[i], err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Status maps the executor state of a job onto a task status
func (s *Session) Status(id string) (task.Status, error) {
	ex, err := s.job(id)
	if err != nil {
		return task.Undetermined, err
	}
	return status(ex), nil
}

func status(ex executor.Executor) task.Status {
	switch {
	case ex.IsSuspended():
		return task.Suspended
	case ex.IsRunning():
		return task.Running
	case ex.HasCompleted() && ex.ReturnCode() == 0:
		return task.Done
	case ex.HasCompleted():
		return task.Failed
	}
	return task.Undetermined
}

// Jobs returns the ids of the jobs known to the session
func (s *Session) Jobs() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Sorted(maps.Keys(s.jobs))
}

// Exit stops all jobs still running and closes the session
func (s *Session) Exit() error {
	s.mx.Lock()
	if s.exited {
		s.mx.Unlock()
		return ErrExited
	}
	s.exited = true
	jobs := s.jobs
	s.jobs = make(map[string]executor.Executor)
	s.mx.Unlock()

	var errs []error
	for id, ex := range jobs {
		if ex.HasCompleted() {
			continue
		}
		if err := ex.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", id, err))
		}
	}
	s.wg.Wait()
	if s.resources != nil {
		_ = s.resources.Close()
	}
	return errors.Join(errs...)
}
