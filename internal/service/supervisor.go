package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Tao/internal/events"
	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/CZERTAINLY/Tao/internal/jobqueue"
	"github.com/CZERTAINLY/Tao/internal/model"
	"github.com/CZERTAINLY/Tao/internal/session"
	"github.com/CZERTAINLY/Tao/internal/store"
	"github.com/CZERTAINLY/Tao/internal/task"
)

const (
	gcInterval      = time.Hour
	shutdownTimeout = 10 * time.Second
)

var ErrUnknownJob = errors.New("unknown job")

// Supervisor feeds the configured jobs through the job queue to the runner.
// In the manual mode all jobs run once, in the timer mode they are queued
// on every schedule activation.
type Supervisor struct {
	oneshot    bool
	specs      []JobSpec
	runner     *Runner
	dispatcher *executor.Dispatcher
	queue      *jobqueue.Queue
	worker     *jobqueue.Worker
	store      *store.Badger
	bus        *events.Bus
	scheduler  gocron.Scheduler
	metrics    *http.Server

	start   chan struct{}
	results chan result
	nextID  atomic.Int64
	active  atomic.Int32

	jobsMx sync.Mutex
	jobs   map[int64]*task.Job
	wg     sync.WaitGroup
}

type result struct {
	job    *task.Job
	status task.Status
	err    error
}

// SupervisorFromConfig creates a supervisor of the loaded configuration.
// Nodes and jobs are read from the viper keys of the same name.
func SupervisorFromConfig(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	nodes, err := ParseNodes("nodes")
	if err != nil {
		return nil, err
	}
	specs, err := ParseJobs("jobs")
	if err != nil {
		return nil, err
	}
	return NewSupervisor(ctx, cfg, nodes, specs)
}

func NewSupervisor(ctx context.Context, cfg model.Config, nodes []session.NodeConfig, specs []JobSpec) (*Supervisor, error) {
	exe := cfg.Execution
	timeout, err := exe.Timeout()
	if err != nil {
		return nil, fmt.Errorf("parsing execution.job_timeout: %w", err)
	}
	ws := workspace(cfg.Workspace)
	runnerOpts := []RunnerOption{WithNodes(nodes), WithJobTimeout(timeout)}
	if len(exe.Volumes) > 0 {
		volumes, err := task.ParseVolumeMap(exe.Volumes, ws.Root)
		if err != nil {
			return nil, fmt.Errorf("parsing execution.volumes: %w", err)
		}
		runnerOpts = append(runnerOpts, WithVolumes(volumes, ""))
	}

	s := &Supervisor{
		oneshot: cfg.Service.Mode != model.ServiceModeTimer,
		specs:   specs,
		start:   make(chan struct{}, 1),
		results: make(chan result, 1),
		jobs:    make(map[int64]*task.Job),
	}
	s.nextID.Store(time.Now().UnixMilli())

	s.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	s.bus = events.New(slog.Default())
	s.dispatcher = NewDispatcher(exe)
	runnerOpts = append(runnerOpts, WithStore(s.store), WithBus(s.bus))
	s.runner = NewRunner(s.dispatcher, ws, runnerOpts...)

	s.queue, err = jobqueue.New(ws.For("").Value(task.Cache), s)
	if err != nil {
		s.closeBackends(ctx)
		return nil, err
	}
	s.worker = jobqueue.NewWorker(s.queue, jobRunner{s}, exe.MaxActiveJobs())

	if !s.oneshot {
		s.scheduler, err = newScheduler(ctx, cfg.Service.Schedule, s.Start)
		if err == nil {
			err = addMaintenance(s.scheduler, gcInterval, func() {
				if err := s.store.CollectGarbage(ctx); err != nil {
					slog.WarnContext(ctx, "store garbage collection", "error", err)
				}
			})
		}
		if err != nil {
			s.queue.Close()
			s.closeBackends(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	}

	if m := cfg.Service.Metrics; m.Enabled {
		s.metrics = &http.Server{
			Addr:              m.Addr,
			Handler:           s.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

func workspace(cfg model.Workspace) task.Workspace {
	return task.Workspace{
		Root:        cfg.Root,
		Shared:      cfg.Shared,
		UserFiles:   cfg.UserFiles,
		SharedFiles: cfg.SharedFiles,
		Cache:       cfg.Cache,
		Share:       cfg.Share,
		NetSpace:    cfg.NetSpace,
		Scripts:     cfg.Scripts,
	}
}

func (s *Supervisor) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.dispatcher.Collector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tao",
			Name:      "active_jobs",
			Help:      "Number of jobs being executed.",
		}, func() float64 { return float64(s.ActiveJobs()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tao",
			Name:      "queued_jobs",
			Help:      "Number of jobs waiting in the queue.",
		}, func() float64 { return float64(s.queue.Len()) }),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// Start queues all configured jobs, it is a hint and never blocks
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Events is the status event bus of the executed jobs
func (s *Supervisor) Events() *events.Bus {
	return s.bus
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers: every configured job is queued as a new job instance.
//  2. Job results: failures are logged, in the oneshot mode collected.
//  3. Context cancellation: terminates the loop and begins shutdown.
//
// The oneshot (manual) mode triggers once on entry and returns the joined
// job failures when all jobs ended.
// Shutdown (deferred order): scheduler -> worker -> running jobs ->
// dispatcher -> store -> bus.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "jobs", len(s.specs), "oneshot", s.oneshot)
	defer s.closeBackends(ctx)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	var workerWg sync.WaitGroup
	workerWg.Go(func() {
		if err := s.worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "job queue worker", "error", err)
		}
	})
	defer func() {
		cancelWorker()
		s.queue.Close()
		workerWg.Wait()
		s.wg.Wait()
	}()

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if s.metrics != nil {
		s.wg.Go(func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "metrics server", "error", err)
			}
		})
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = s.metrics.Shutdown(sctx)
		}()
	}

	var (
		pending int
		errs    []error
	)
	if s.oneshot {
		n, err := s.enqueueAll(ctx)
		if err != nil {
			return err
		}
		pending = n
		if pending == 0 {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if _, err := s.enqueueAll(ctx); err != nil {
				slog.ErrorContext(ctx, "queueing jobs", "error", err)
			}
		case r := <-s.results:
			s.forget(r.job.ID)
			var err error
			switch {
			case r.err != nil:
				err = fmt.Errorf("job %s (%d): %w", r.job.Name, r.job.ID, r.err)
			case r.status != task.Done:
				err = fmt.Errorf("job %s (%d) ended %s", r.job.Name, r.job.ID, r.status)
			}
			if err != nil {
				slog.ErrorContext(ctx, "job have failed", "error", err)
				errs = append(errs, err)
			}
			if !s.oneshot {
				continue
			}
			pending--
			if pending == 0 {
				return errors.Join(errs...)
			}
		}
	}
}

// enqueueAll builds a new instance of every configured job and queues it
func (s *Supervisor) enqueueAll(ctx context.Context) (int, error) {
	var n int
	for _, spec := range s.specs {
		job, err := spec.Build(s.nextID.Add(1))
		if err != nil {
			return n, err
		}
		job.Status = task.QueuedActive
		s.jobsMx.Lock()
		s.jobs[job.ID] = job
		s.jobsMx.Unlock()
		if err := s.store.SaveJob(ctx, job); err != nil {
			slog.WarnContext(ctx, "saving queued job", "job", job.Name, "error", err)
		}
		pos, err := s.queue.Put(ctx, job)
		if err != nil {
			s.forget(job.ID)
			return n, err
		}
		slog.InfoContext(ctx, "job queued", "job", job.Name, "id", job.ID, "user", job.User, "position", pos)
		n++
	}
	return n, nil
}

func (s *Supervisor) forget(id int64) {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	delete(s.jobs, id)
}

func (s *Supervisor) closeBackends(ctx context.Context) {
	if s.dispatcher != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := s.dispatcher.Shutdown(sctx); err != nil {
			slog.WarnContext(ctx, "dispatcher shutdown", "error", err)
			s.dispatcher.Close()
		}
		cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store", "error", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			slog.ErrorContext(ctx, "closing event bus", "error", err)
		}
	}
}

// Get implements jobqueue.JobProvider
func (s *Supervisor) Get(_ context.Context, id int64) (*task.Job, error) {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}
	return job, nil
}

// List implements jobqueue.JobProvider
func (s *Supervisor) List(_ context.Context, statuses ...task.Status) ([]*task.Job, error) {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	var ret []*task.Job
	for _, job := range s.jobs {
		for _, st := range statuses {
			if job.Status == st {
				ret = append(ret, job)
				break
			}
		}
	}
	return ret, nil
}

// Update implements jobqueue.JobProvider
func (s *Supervisor) Update(ctx context.Context, job *task.Job) error {
	return s.store.SaveJob(ctx, job)
}

// jobRunner starts the jobs taken by the queue worker, each in its own
// goroutine
type jobRunner struct {
	*Supervisor
}

func (r jobRunner) Start(ctx context.Context, job *task.Job) error {
	s := r.Supervisor
	s.active.Add(1)
	s.wg.Go(func() {
		defer s.worker.Notify()
		defer s.active.Add(-1)
		status, err := s.runner.Run(ctx, job)
		select {
		case s.results <- result{job: job, status: status, err: err}:
		case <-ctx.Done():
		}
	})
	return nil
}

func (r jobRunner) Cancel(ctx context.Context, job *task.Job) error {
	job.Status = task.Cancelled
	if err := r.Update(ctx, job); err != nil {
		return err
	}
	select {
	case r.results <- result{job: job, status: task.Cancelled}:
	case <-ctx.Done():
	}
	return nil
}

// ActiveJobs is the number of jobs being executed
func (s *Supervisor) ActiveJobs() int {
	return int(s.active.Load())
}

// NewDispatcher returns a dispatcher configured by the execution section
func NewDispatcher(exe model.Execution) *executor.Dispatcher {
	return executor.NewDispatcher(
		executor.WithPoolSize(exe.PoolSize),
		executor.WithQueueSize(exe.QueueSize),
		executor.WithSSHConfig(executor.SSHConfig{Port: exe.SSHPort, KnownHosts: exe.KnownHosts}),
	)
}
