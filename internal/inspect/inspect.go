// Package inspect reads the runtime resources of an execution node: its
// processor load, memory and disk. The probes are plain shell commands run
// through an executor, on the local machine or over ssh.
package inspect

import (
	"context"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Tao/internal/executor"
	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 30 * time.Second

// Runner executes a unit and waits for its completion. executor.Dispatcher
// implements it.
type Runner interface {
	ExecuteWait(ctx context.Context, consumer executor.OutputConsumer, timeout time.Duration, unit *executor.ExecutionUnit) (int, error)
}

type OS string

const (
	Linux   OS = "linux"
	Windows OS = "windows"
)

// Target is the node to inspect. Hosts which are not Remote are inspected
// with local processes.
type Target struct {
	Host     string
	User     string
	Password string
	Remote   bool
	OS       OS
}

// Info is a snapshot of node resources
type Info struct {
	ProcessorUsage    float64 `json:"processor_usage"`
	TotalMemoryMB     int64   `json:"total_memory_mb"`
	AvailableMemoryMB int64   `json:"available_memory_mb"`
	TotalDiskGB       int64   `json:"total_disk_gb"`
	UsedDiskGB        int64   `json:"used_disk_gb"`
}

// Satisfies reports if the node has at least minMemoryMB of available
// memory and minDiskGB of free disk space
func (i Info) Satisfies(minMemoryMB, minDiskGB int64) bool {
	return i.AvailableMemoryMB >= minMemoryMB && i.TotalDiskGB-i.UsedDiskGB >= minDiskGB
}

type Inspector struct {
	runner  Runner
	target  Target
	timeout time.Duration
}

type Option func(*Inspector)

// WithTimeout bounds each probe, 30s by default
func WithTimeout(d time.Duration) Option {
	return func(i *Inspector) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func New(runner Runner, target Target, opts ...Option) *Inspector {
	if target.OS == "" {
		target.OS = Linux
	}
	i := &Inspector{
		runner:  runner,
		target:  target,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Inspector) Target() Target {
	return i.target
}

// Snapshot runs all probes in parallel. A failed probe is logged and its
// values are left zero, only the end of ctx fails the snapshot.
func (i *Inspector) Snapshot(ctx context.Context) (Info, error) {
	var info Info
	p := probesFor(i.target.OS)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lines, err := i.probe(gctx, p.cpu)
		info.ProcessorUsage = p.parseCPU(lines)
		return err
	})
	g.Go(func() error {
		lines, err := i.probe(gctx, p.memory)
		info.TotalMemoryMB, info.AvailableMemoryMB = p.parseMemory(lines)
		return err
	})
	g.Go(func() error {
		lines, err := i.probe(gctx, p.disk)
		info.TotalDiskGB, info.UsedDiskGB = p.parseDisk(lines)
		return err
	})
	if err := g.Wait(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// probe returns the output of args or nil when the command failed
func (i *Inspector) probe(ctx context.Context, args []string) ([]string, error) {
	typ := executor.Process
	if i.target.Remote {
		typ = executor.SSH2
	}
	unit, err := executor.NewUnit(typ, i.target.Host, i.target.User, i.target.Password, args, false, "")
	if err != nil {
		slog.WarnContext(ctx, "probe unit", "args", args, "error", err)
		return nil, nil
	}
	acc := executor.NewAccumulator()
	code, err := i.runner.ExecuteWait(ctx, acc, i.timeout, unit)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || code != 0 {
		slog.WarnContext(ctx, "probe failed",
			"host", i.target.Host,
			"args", args,
			"code", code,
			"error", err,
			"output", acc.String(),
		)
		return nil, nil
	}
	return acc.Lines(), nil
}

type probes struct {
	cpu         []string
	memory      []string
	disk        []string
	parseCPU    func([]string) float64
	parseMemory func([]string) (total, available int64)
	parseDisk   func([]string) (total, used int64)
}

func probesFor(os OS) probes {
	if os == Windows {
		return probes{
			cpu:         []string{"wmic", "cpu", "get", "loadpercentage", "/value"},
			memory:      []string{"wmic", "os", "get", "totalvisiblememorysize,freephysicalmemory", "/value"},
			disk:        []string{"wmic", "logicaldisk", "get", "size,freespace", "/value"},
			parseCPU:    ParseWMICLoad,
			parseMemory: ParseWMICMemory,
			parseDisk:   ParseWMICDisk,
		}
	}
	return probes{
		cpu:         []string{"uptime"},
		memory:      []string{"cat", "/proc/meminfo"},
		disk:        []string{"df", "-k", "--total"},
		parseCPU:    ParseLoadAverage,
		parseMemory: ParseMemInfo,
		parseDisk:   ParseDiskFree,
	}
}
