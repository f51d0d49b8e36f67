package executor_test

import (
	"testing"

	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/stretchr/testify/require"
)

func TestNewUnit(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		typ      executor.Type
		host     string
		user     string
		args     []string
		asSU     bool
		mode     executor.SSHMode
		then     error
		thenMode executor.SSHMode
	}{
		{
			scenario: "process",
			typ:      executor.Process,
			args:     []string{"ls", "-l"},
			mode:     executor.Sftp,
			thenMode: "",
		},
		{
			scenario: "ssh defaults to exec",
			typ:      executor.SSH2,
			host:     "node1",
			user:     "tao",
			args:     []string{"ls"},
			thenMode: executor.Exec,
		},
		{
			scenario: "sudo exec",
			typ:      executor.SSH2,
			host:     "node1",
			user:     "tao",
			args:     []string{"ls"},
			asSU:     true,
			mode:     executor.Exec,
			thenMode: executor.Exec,
		},
		{
			scenario: "sudo sftp",
			typ:      executor.SSH2,
			host:     "node1",
			user:     "tao",
			args:     []string{"a", "b"},
			asSU:     true,
			mode:     executor.Sftp,
			then:     executor.ErrModeNotPermitted,
		},
		{
			scenario: "sudo shell",
			typ:      executor.SSH2,
			host:     "node1",
			user:     "tao",
			args:     []string{"a"},
			asSU:     true,
			mode:     executor.Shell,
			then:     executor.ErrModeNotPermitted,
		},
		{
			scenario: "ssh without host",
			typ:      executor.SSH2,
			user:     "tao",
			args:     []string{"ls"},
			then:     executor.ErrInvalidUnit,
		},
		{
			scenario: "no arguments",
			typ:      executor.Process,
			then:     executor.ErrInvalidUnit,
		},
		{
			scenario: "unknown type",
			typ:      executor.Type("telnet"),
			args:     []string{"ls"},
			then:     executor.ErrInvalidUnit,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			unit, err := executor.NewUnit(tc.typ, tc.host, tc.user, "pwd", tc.args, tc.asSU, tc.mode)
			if tc.then != nil {
				require.ErrorIs(t, err, tc.then)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.thenMode, unit.SSHMode())
			require.Equal(t, tc.args, unit.Arguments())
			require.Equal(t, executor.Native, unit.Format())
		})
	}
}

func TestUnitSetOnce(t *testing.T) {
	t.Parallel()
	unit, err := executor.NewUnit(executor.Process, "", "", "", []string{"true"}, false, "")
	require.NoError(t, err)

	require.NoError(t, unit.SetWorkingDir("/tmp"))
	require.ErrorIs(t, unit.SetWorkingDir("/var"), executor.ErrAlreadySet)
	require.Equal(t, "/tmp", unit.WorkingDir())

	require.NoError(t, unit.SetCertificate("pem"))
	require.ErrorIs(t, unit.SetCertificate("other"), executor.ErrAlreadySet)
	require.Equal(t, "pem", unit.Certificate())

	require.NoError(t, unit.SetMetadata(map[string]any{"job": 42}))
	require.ErrorIs(t, unit.SetMetadata(nil), executor.ErrAlreadySet)
	meta := unit.Metadata()
	meta["job"] = 1
	require.Equal(t, 42, unit.Metadata()["job"])

	require.ErrorIs(t, unit.SetContainer(&executor.ContainerUnit{Type: executor.Docker}), executor.ErrInvalidUnit)
	require.NoError(t, unit.SetContainer(&executor.ContainerUnit{Type: executor.Docker, Image: "alpine"}))
	require.ErrorIs(t, unit.SetContainer(&executor.ContainerUnit{Type: executor.Podman, Image: "alpine"}), executor.ErrAlreadySet)
}

func TestUnitArgumentsCopy(t *testing.T) {
	t.Parallel()
	args := []string{"echo", "one"}
	unit, err := executor.NewUnit(executor.Process, "", "", "", args, false, "")
	require.NoError(t, err)
	args[1] = "two"
	got := unit.Arguments()
	require.Equal(t, []string{"echo", "one"}, got)
	got[0] = "rm"
	require.Equal(t, []string{"echo", "one"}, unit.Arguments())
}

func TestUnitResources(t *testing.T) {
	t.Parallel()
	unit, err := executor.NewUnit(executor.Process, "", "", "", []string{"true"}, false, "",
		executor.WithResources(512, 10),
		executor.WithFormat(executor.CWL),
	)
	require.NoError(t, err)
	require.Equal(t, int64(512), unit.MinMemory())
	require.Equal(t, int64(10), unit.MinDisk())
	require.Equal(t, executor.CWL, unit.Format())

	_, err = executor.NewUnit(executor.Process, "", "", "", []string{"true"}, false, "", executor.WithResources(-1, 0))
	require.ErrorIs(t, err, executor.ErrInvalidUnit)
}

func TestContainerArguments(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    executor.ContainerUnit
		then     []string
	}{
		{
			scenario: "docker",
			given: executor.ContainerUnit{
				Type:    executor.Docker,
				Image:   "alpine:3",
				Volumes: map[string]string{"/data": "/in", "/a": "/b"},
				Env:     map[string]string{"X": "1"},
			},
			then: []string{"docker", "run", "--rm", "-v", "/a:/b", "-v", "/data:/in", "-e", "X=1", "alpine:3", "ls", "/in"},
		},
		{
			scenario: "podman",
			given:    executor.ContainerUnit{Type: executor.Podman, Image: "alpine:3"},
			then:     []string{"podman", "run", "--rm", "alpine:3", "ls", "/in"},
		},
		{
			scenario: "singularity",
			given: executor.ContainerUnit{
				Type:    executor.Singularity,
				Image:   "lolcow.sif",
				Volumes: map[string]string{"/data": "/in"},
				Env:     map[string]string{"X": "1"},
			},
			then: []string{"singularity", "exec", "--bind", "/data:/in", "--env", "X=1", "lolcow.sif", "ls", "/in"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, tc.given.Arguments([]string{"ls", "/in"}))
		})
	}
}

func TestUnitCommandLine(t *testing.T) {
	t.Parallel()
	unit, err := executor.NewUnit(executor.Process, "", "", "", []string{"ls"}, false, "")
	require.NoError(t, err)
	require.Equal(t, []string{"ls"}, unit.CommandLine())
	require.NoError(t, unit.SetContainer(&executor.ContainerUnit{Type: executor.Docker, Image: "alpine"}))
	require.Equal(t, []string{"docker", "run", "--rm", "alpine", "ls"}, unit.CommandLine())
}
