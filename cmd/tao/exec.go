package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/CZERTAINLY/Tao/internal/executor"
	"github.com/CZERTAINLY/Tao/internal/inspect"
	"github.com/CZERTAINLY/Tao/internal/model"
	"github.com/CZERTAINLY/Tao/internal/parallel"
	"github.com/CZERTAINLY/Tao/internal/service"
	"github.com/CZERTAINLY/Tao/internal/session"
	"github.com/CZERTAINLY/Tao/internal/store"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	flagHost      string // value of --host flag
	flagSudo      bool   // value of --sudo flag
	flagTimeout   string // value of --timeout flag, ISO8601 duration
	flagMinMemory int64  // value of --min-memory flag
	flagMinDisk   int64  // value of --min-disk flag
)

var errExitCode = errors.New("non zero exit code")

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "exec runs a single command on a node and prints its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doExec,
}

var uploadCmd = &cobra.Command{
	Use:   "upload --host node local remote-dir",
	Short: "upload copies a local file into a directory on a remote node",
	Args:  cobra.ExactArgs(2),
	RunE:  doUpload,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "inspect prints the resources of the nodes",
	Args:  cobra.NoArgs,
	RunE:  doInspect,
}

func init() {
	for _, cmd := range []*cobra.Command{execCmd, uploadCmd, inspectCmd} {
		cmd.Flags().StringVar(&flagHost, "host", "", "node to use, localhost or all nodes for inspect if empty")
		cmd.Flags().StringVar(&flagTimeout, "timeout", "", "ISO8601 duration bounding the command, no limit if empty")
	}
	execCmd.Flags().BoolVar(&flagSudo, "sudo", false, "run the command as a super user")
	execCmd.Flags().Int64Var(&flagMinMemory, "min-memory", 0, "minimal available memory of a node in MB")
	execCmd.Flags().Int64Var(&flagMinDisk, "min-disk", 0, "minimal free disk space of a node in GB")
	_ = uploadCmd.MarkFlagRequired("host")
}

func doExec(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	timeout, err := timeoutFlag()
	if err != nil {
		return err
	}
	nodes, err := selectNodes(flagHost)
	if err != nil {
		return err
	}
	retention, err := config.Cache.RetentionDuration()
	if err != nil {
		return fmt.Errorf("parsing cache.retention: %w", err)
	}

	runsPath := config.Store.Runs
	if runsPath == "" {
		runsPath = ":memory:"
	}
	runs, err := store.OpenRuns(ctx, runsPath)
	if err != nil {
		return fmt.Errorf("opening runs ledger: %w", err)
	}
	defer func() {
		_ = runs.Close()
	}()

	dispatcher := service.NewDispatcher(config.Execution)
	defer dispatcher.Close()

	out := cmd.OutOrStdout()
	sess, err := session.New(dispatcher, nodes,
		session.WithLedger(runs),
		session.WithInspection(dispatcher, retention),
		session.WithConsumer(executor.ConsumerFunc(func(line string) {
			_, _ = fmt.Fprintln(out, line)
		})),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Exit(); err != nil {
			slog.WarnContext(ctx, "closing session", "error", err)
		}
	}()

	id, err := sess.RunJob(ctx, session.Template{
		Name:        "exec",
		Command:     args[0],
		Args:        args[1:],
		MinMemory:   flagMinMemory,
		MinDisk:     flagMinDisk,
		AsSuperUser: flagSudo,
	})
	if err != nil {
		return err
	}
	code, err := sess.Wait(ctx, id, timeout)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "job finished", "id", id, "code", code)
	if code != 0 {
		return fmt.Errorf("%s: %w %d", args[0], errExitCode, code)
	}
	return nil
}

func doUpload(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	timeout, err := timeoutFlag()
	if err != nil {
		return err
	}
	node, err := findNode(flagHost)
	if err != nil {
		return err
	}
	if node.IsLocal() {
		return fmt.Errorf("upload: %s is not a remote node", node.Name)
	}

	unit, err := executor.NewUnit(executor.SSH2, node.Address(), node.User, node.Password, args, false, executor.Sftp)
	if err != nil {
		return err
	}
	dispatcher := service.NewDispatcher(config.Execution)
	defer dispatcher.Close()

	code, err := dispatcher.ExecuteWait(ctx, executor.Discard, timeout, unit)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("upload %s: %w %d", args[0], errExitCode, code)
	}
	slog.InfoContext(ctx, "uploaded", "file", args[0], "node", node.Name, "dir", args[1])
	return nil
}

// doInspect prints the resources of --host or of all configured nodes,
// keyed by the node name
func doInspect(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	timeout, err := timeoutFlag()
	if err != nil {
		return err
	}
	nodes, err := selectNodes(flagHost)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		nodes, err = service.ParseNodes("nodes")
		if err != nil {
			return err
		}
	}
	if len(nodes) == 0 {
		nodes = []session.NodeConfig{{Name: "localhost", Local: true}}
	}

	dispatcher := service.NewDispatcher(config.Execution)
	defer dispatcher.Close()

	snapshot := func(ctx context.Context, node session.NodeConfig) (inspect.Info, error) {
		in := inspect.New(dispatcher, inspect.Target{
			Host:     node.Address(),
			User:     node.User,
			Password: node.Password,
			Remote:   !node.IsLocal(),
		}, inspect.WithTimeout(timeout))
		return in.Snapshot(ctx)
	}

	infos := make(map[string]inspect.Info, len(nodes))
	var errs []error
	for r := range parallel.Map(ctx, runtime.NumCPU(), slices.Values(nodes), snapshot) {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", r.In.Name, r.Err))
			continue
		}
		infos[r.In.Name] = r.Out
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(infos); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func timeoutFlag() (time.Duration, error) {
	if flagTimeout == "" {
		return 0, nil
	}
	d, err := model.ParseISODuration(flagTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing --timeout: %w", err)
	}
	return d, nil
}

// selectNodes returns the configured nodes limited to host. Nil means the
// session runs on localhost.
func selectNodes(host string) ([]session.NodeConfig, error) {
	if host == "" {
		return nil, nil
	}
	node, err := findNode(host)
	if err != nil {
		return nil, err
	}
	return []session.NodeConfig{node}, nil
}

func findNode(host string) (session.NodeConfig, error) {
	nodes, err := service.ParseNodes("nodes")
	if err != nil {
		return session.NodeConfig{}, err
	}
	for _, n := range nodes {
		if n.Name == host {
			return n, nil
		}
	}
	if local := (session.NodeConfig{Name: host}); local.IsLocal() {
		local.Local = true
		return local, nil
	}
	return session.NodeConfig{}, fmt.Errorf("%w: %s", service.ErrUnknownHost, host)
}
