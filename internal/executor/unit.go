package executor

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrModeNotPermitted = errors.New("mode not permitted")
	ErrAlreadySet       = errors.New("value already set")
	ErrInvalidUnit      = errors.New("invalid execution unit")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Type string

const (
	Process Type = "process"
	SSH2    Type = "ssh2"
)

type SSHMode string

const (
	Exec  SSHMode = "exec"
	Sftp  SSHMode = "sftp"
	Shell SSHMode = "shell"
)

// Format is the form in which a unit is exported for an external workflow engine
type Format string

const (
	Native Format = "native"
	JSON   Format = "json"
	CWL    Format = "cwl"
	Bash   Format = "bash"
	Argo   Format = "argo"
)

type unitSpec struct {
	Type        Type     `validate:"oneof=process ssh2"`
	Host        string   `validate:"required_if=Type ssh2"`
	User        string   `validate:"required_if=Type ssh2"`
	Password    string
	Arguments   []string `validate:"min=1"`
	AsSuperUser bool
	SSHMode     SSHMode `validate:"omitempty,oneof=exec sftp shell"`
	MinMemory   int64   `validate:"gte=0"`
	MinDisk     int64   `validate:"gte=0"`
	Format      Format  `validate:"oneof=native json cwl bash argo"`
}

// ExecutionUnit describes a single command invocation. It is immutable
// except for the working directory, certificate, container unit and
// metadata, which can be set once each.
type ExecutionUnit struct {
	spec unitSpec

	mx          sync.RWMutex
	workingDir  *string
	certificate *string
	container   *ContainerUnit
	metadata    map[string]any
}

type UnitOption func(*unitSpec)

// WithResources sets the minimal memory in MB and disk space in GB the
// execution node should have available
func WithResources(minMemory, minDisk int64) UnitOption {
	return func(s *unitSpec) {
		s.MinMemory = minMemory
		s.MinDisk = minDisk
	}
}

func WithFormat(f Format) UnitOption {
	return func(s *unitSpec) {
		s.Format = f
	}
}

// NewUnit validates and returns a new ExecutionUnit. Only the exec mode
// of SSH2 units may run as a super user.
func NewUnit(typ Type, host, user, password string, args []string, asSuperUser bool, mode SSHMode, opts ...UnitOption) (*ExecutionUnit, error) {
	spec := unitSpec{
		Type:        typ,
		Host:        host,
		User:        user,
		Password:    password,
		Arguments:   slices.Clone(args),
		AsSuperUser: asSuperUser,
		SSHMode:     mode,
		Format:      Native,
	}
	for _, opt := range opts {
		opt(&spec)
	}
	if spec.Type == SSH2 && spec.SSHMode == "" {
		spec.SSHMode = Exec
	}
	if spec.Type == Process {
		spec.SSHMode = ""
	}
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}
	if spec.Type == SSH2 && spec.SSHMode != Exec && spec.AsSuperUser {
		return nil, fmt.Errorf("%w: %s mode can't be used as super user", ErrModeNotPermitted, spec.SSHMode)
	}
	return &ExecutionUnit{spec: spec}, nil
}

func (u *ExecutionUnit) Type() Type          { return u.spec.Type }
func (u *ExecutionUnit) Host() string        { return u.spec.Host }
func (u *ExecutionUnit) User() string        { return u.spec.User }
func (u *ExecutionUnit) Password() string    { return u.spec.Password }
func (u *ExecutionUnit) AsSuperUser() bool   { return u.spec.AsSuperUser }
func (u *ExecutionUnit) SSHMode() SSHMode    { return u.spec.SSHMode }
func (u *ExecutionUnit) MinMemory() int64    { return u.spec.MinMemory }
func (u *ExecutionUnit) MinDisk() int64      { return u.spec.MinDisk }
func (u *ExecutionUnit) Format() Format      { return u.spec.Format }
func (u *ExecutionUnit) Arguments() []string { return slices.Clone(u.spec.Arguments) }

func (u *ExecutionUnit) WorkingDir() string {
	u.mx.RLock()
	defer u.mx.RUnlock()
	if u.workingDir == nil {
		return ""
	}
	return *u.workingDir
}

func (u *ExecutionUnit) SetWorkingDir(dir string) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.workingDir != nil {
		return fmt.Errorf("%w: working directory", ErrAlreadySet)
	}
	u.workingDir = &dir
	return nil
}

// Certificate is a PEM encoded private key used for the ssh authentication
func (u *ExecutionUnit) Certificate() string {
	u.mx.RLock()
	defer u.mx.RUnlock()
	if u.certificate == nil {
		return ""
	}
	return *u.certificate
}

func (u *ExecutionUnit) SetCertificate(pem string) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.certificate != nil {
		return fmt.Errorf("%w: certificate", ErrAlreadySet)
	}
	u.certificate = &pem
	return nil
}

func (u *ExecutionUnit) Container() *ContainerUnit {
	u.mx.RLock()
	defer u.mx.RUnlock()
	return u.container
}

func (u *ExecutionUnit) SetContainer(c *ContainerUnit) error {
	if c == nil {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: container: %w", ErrInvalidUnit, err)
	}
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.container != nil {
		return fmt.Errorf("%w: container unit", ErrAlreadySet)
	}
	u.container = c
	return nil
}

func (u *ExecutionUnit) Metadata() map[string]any {
	u.mx.RLock()
	defer u.mx.RUnlock()
	return maps.Clone(u.metadata)
}

func (u *ExecutionUnit) SetMetadata(m map[string]any) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.metadata != nil {
		return fmt.Errorf("%w: metadata", ErrAlreadySet)
	}
	u.metadata = maps.Clone(m)
	if u.metadata == nil {
		u.metadata = map[string]any{}
	}
	return nil
}

// CommandLine returns the arguments wrapped by the container runtime, if any
func (u *ExecutionUnit) CommandLine() []string {
	args := u.Arguments()
	if c := u.Container(); c != nil {
		return c.Arguments(args)
	}
	return args
}

type ContainerType string

const (
	Docker      ContainerType = "docker"
	Podman      ContainerType = "podman"
	Singularity ContainerType = "singularity"
)

// ContainerUnit is the container runtime a command runs in
type ContainerUnit struct {
	Type    ContainerType     `json:"type" validate:"oneof=docker podman singularity"`
	Image   string            `json:"image" validate:"required"`
	Volumes map[string]string `json:"volumes,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Arguments wraps the inner command into the container run invocation.
// Volumes map host paths to container paths.
func (c *ContainerUnit) Arguments(inner []string) []string {
	var args []string
	switch c.Type {
	case Singularity:
		args = []string{"singularity", "exec"}
		for _, host := range sortedKeys(c.Volumes) {
			args = append(args, "--bind", host+":"+c.Volumes[host])
		}
		for _, k := range sortedKeys(c.Env) {
			args = append(args, "--env", k+"="+c.Env[k])
		}
	default:
		args = []string{string(c.Type), "run", "--rm"}
		for _, host := range sortedKeys(c.Volumes) {
			args = append(args, "-v", host+":"+c.Volumes[host])
		}
		for _, k := range sortedKeys(c.Env) {
			args = append(args, "-e", k+"="+c.Env[k])
		}
	}
	args = append(args, c.Image)
	return append(args, inner...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
