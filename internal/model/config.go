package model

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	defaultRetention = 10 * time.Minute
	defaultMaxJobs   = 2
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the tao.yaml file. The nodes and jobs sections are validated
// by the schema and decoded by the service package.
type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service   `json:"service" yaml:"service"`
	Execution Execution `json:"execution,omitempty" yaml:"execution,omitempty"`
	Workspace Workspace `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Cache     Cache     `json:"cache,omitempty" yaml:"cache,omitempty"`
	Store     Store     `json:"store,omitempty" yaml:"store,omitempty"`
}

type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log      string         `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Metrics  Metrics        `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// TimerSchedule is either a cron expression or an ISO8601 duration
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Metrics struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type Execution struct {
	PoolSize   int    `json:"pool_size,omitempty" yaml:"pool_size,omitempty"` // 0 => NumCPU
	QueueSize  int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	MaxJobs    int    `json:"max_jobs,omitempty" yaml:"max_jobs,omitempty"`
	JobTimeout string `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`
	SSHPort    int    `json:"ssh_port,omitempty" yaml:"ssh_port,omitempty"`
	// Volumes maps host paths to container paths
	Volumes       map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	ContainerRoot string            `json:"container_root,omitempty" yaml:"container_root,omitempty"`
}

// Timeout returns the job timeout, zero when not set
func (e Execution) Timeout() (time.Duration, error) {
	if e.JobTimeout == "" {
		return 0, nil
	}
	return ParseISODuration(e.JobTimeout)
}

func (e Execution) MaxActiveJobs() int {
	if e.MaxJobs <= 0 {
		return defaultMaxJobs
	}
	return e.MaxJobs
}

type Workspace struct {
	Root        string `json:"root,omitempty" yaml:"root,omitempty"`
	Shared      string `json:"shared,omitempty" yaml:"shared,omitempty"`
	UserFiles   string `json:"user_files,omitempty" yaml:"user_files,omitempty"`
	SharedFiles string `json:"shared_files,omitempty" yaml:"shared_files,omitempty"`
	Cache       string `json:"cache,omitempty" yaml:"cache,omitempty"`
	Share       string `json:"share,omitempty" yaml:"share,omitempty"`
	NetSpace    string `json:"net_space,omitempty" yaml:"net_space,omitempty"`
	Scripts     string `json:"scripts,omitempty" yaml:"scripts,omitempty"`
}

type Cache struct {
	Retention string `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// RetentionDuration defaults to 10 minutes
func (c Cache) RetentionDuration() (time.Duration, error) {
	if c.Retention == "" {
		return defaultRetention, nil
	}
	return ParseISODuration(c.Retention)
}

type Store struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // empty => in memory
	Runs string `json:"runs,omitempty" yaml:"runs,omitempty"` // empty => in memory
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("tao.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is the configuration written when no file is found. Data
// are kept under ~/tao.
func DefaultConfig(ctx context.Context) Config {
	base := filepath.Join(os.TempDir(), "tao")
	if home, err := os.UserHomeDir(); err != nil {
		slog.WarnContext(ctx, "home directory not available, using temp dir", "dir", base, "error", err)
	} else {
		base = filepath.Join(home, "tao")
	}
	return Config{
		Version: 0,
		Service: Service{
			Mode: ServiceModeManual,
			Log:  LogStderr,
		},
		Execution: Execution{
			MaxJobs:    defaultMaxJobs,
			JobTimeout: "PT1H",
		},
		Workspace: Workspace{
			Root: filepath.Join(base, "workspace"),
		},
		Cache: Cache{
			Retention: "PT10M",
		},
		Store: Store{
			Path: filepath.Join(base, "store"),
			Runs: filepath.Join(base, "runs.db"),
		},
	}
}

// CueErrDetails turns a LoadConfig error into human readable details
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}
