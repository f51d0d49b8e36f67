//go:build linux

package tao_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

var (
	taoPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("tao-ci") {
		slog.Error("cannot locate tao-ci binary: run go build -race -cover -covermode=atomic -o tao-ci ./cmd/tao/ first")
		os.Exit(1)
	}

	var err error
	taoPath, err = filepath.Abs("tao-ci")
	if err != nil {
		slog.Error("can't get abspath for tao-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for tao-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for tao-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const configTemplate = `
version: 0
service:
    mode: manual
    log: stderr
workspace:
    root: %[1]s/workspace
store:
    path: %[1]s/store
    runs: %[1]s/runs.db
jobs:
    - name: touch
      user: alice
      tasks:
        - id: 1
          level: 1
          component:
            id: touch
            label: touch a marker
            template: touch %[1]s/marker.txt
        - id: 2
          level: 2
          parents: [1]
          component:
            id: check
            label: check the marker
            template: test -f %[1]s/marker.txt
`

func TestTaoRun(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	creat(t, config, fmt.Appendf(nil, configTemplate, dir))

	_, stderr, err := tao(t, "run", "--config", config)
	if err != nil {
		t.Logf("%s", stderr)
		require.NoError(t, err)
	}
	require.FileExists(t, filepath.Join(dir, "marker.txt"))
}

func TestTaoRun_Failure(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	broken := strings.Replace(fmt.Sprintf(configTemplate, dir), "touch "+dir, "false "+dir, 1)
	creat(t, config, []byte(broken))

	_, stderr, err := tao(t, "run", "--config", config)
	require.Error(t, err)
	require.Contains(t, stderr, "job touch")
	require.NoFileExists(t, filepath.Join(dir, "marker.txt"))
}

func TestTaoRun_InvalidConfig(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	creat(t, config, []byte("version: 0\nservice:\n    mode: sometimes\n"))

	_, stderr, err := tao(t, "run", "--config", config)
	require.Error(t, err)
	require.Contains(t, stderr, "invalid configuration")
}

func TestTaoExec(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	creat(t, config, fmt.Appendf(nil, configTemplate, dir))

	var testCases = []struct {
		scenario string
		given    []string
		then     string
		fails    bool
	}{
		{"echo", []string{"echo", "hello", "tao"}, "hello tao\n", false},
		{"exit code", []string{"sh", "-c", "exit 3"}, "", true},
		{"localhost", []string{"--host", "localhost", "--", "echo", "local"}, "local\n", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			args := append([]string{"exec", "--config", config, "--"}, tc.given...)
			if tc.given[0] == "--host" {
				args = append([]string{"exec", "--config", config}, tc.given...)
			}
			stdout, stderr, err := tao(t, args...)
			if tc.fails {
				require.Error(t, err)
				return
			}
			if err != nil {
				t.Logf("%s", stderr)
				require.NoError(t, err)
			}
			require.Equal(t, tc.then, stdout)
		})
	}
}

func TestTaoExec_UnknownHost(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	creat(t, config, fmt.Appendf(nil, configTemplate, dir))

	_, stderr, err := tao(t, "exec", "--config", config, "--host", "nowhere", "--", "true")
	require.Error(t, err)
	require.Contains(t, stderr, "unknown host")
}

func TestTaoInspect(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	creat(t, config, fmt.Appendf(nil, configTemplate, dir))

	stdout, stderr, err := tao(t, "inspect", "--config", config)
	if err != nil {
		t.Logf("%s", stderr)
		require.NoError(t, err)
	}
	var infos map[string]struct {
		TotalMemoryMB int64 `json:"total_memory_mb"`
		TotalDiskGB   int64 `json:"total_disk_gb"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &infos))
	require.Contains(t, infos, "localhost")
	require.Positive(t, infos["localhost"].TotalMemoryMB)
}

func TestTaoVersion(t *testing.T) {
	dir := tmpDir(t)
	config := filepath.Join(dir, "tao.yaml")
	creat(t, config, fmt.Appendf(nil, configTemplate, dir))

	stdout, stderr, err := tao(t, "version", "--json", "--config", config)
	if err != nil {
		t.Logf("%s", stderr)
		require.NoError(t, err)
	}
	var v struct {
		Config string `json:"config"`
		Go     string `json:"go"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &v))
	require.Equal(t, config, v.Config)
	require.NotEmpty(t, v.Go)
}

func tao(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, taoPath, args...)
	cmd.Env = append(os.Environ(), "HOME="+t.TempDir())
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
