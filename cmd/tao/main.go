package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Tao/internal/log"
	"github.com/CZERTAINLY/Tao/internal/model"
	"github.com/CZERTAINLY/Tao/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/tao on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagJSON           bool   // value of version --json flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "tao")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is tao.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTao

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(inspectCmd)
	versionCmd.Flags().BoolVar(&flagJSON, "json", false, "print version as JSON")
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if err != nil {
		slog.Error("tao failed", "err", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tao",
	Short:        "Tool executing workflow jobs on local and remote nodes",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and executes the jobs",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a tao",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return errors.New("version info not available")
		}
		v := newVersionInfo(info)
		if flagJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
		}
		v.print(cmd.OutOrStdout())
		return nil
	},
}

type versionInfo struct {
	Config  string `json:"config,omitempty"`
	Version string `json:"version"`
	Go      string `json:"go"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func newVersionInfo(info *debug.BuildInfo) versionInfo {
	v := versionInfo{
		Config:  configPath,
		Version: info.Main.Version,
		Go:      info.GoVersion,
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.time":
			v.Date = s.Value
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}
	return v
}

func (v versionInfo) print(w io.Writer) {
	for _, row := range [][2]string{
		{"config", v.Config},
		{"tao", v.Version},
		{"go", v.Go},
		{"commit", v.Commit},
		{"date", v.Date},
	} {
		if row[1] != "" {
			_, _ = fmt.Fprintf(w, "%-7s %s\n", row[0]+":", row[1])
		}
	}
	if v.Dirty {
		_, _ = fmt.Fprintln(w, "dirty:  true")
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("tao",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doRun(cmd *cobra.Command, args []string) error {
	return service.Run(cmdContext(cmd), config)
}

func initTao(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("TAOCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "tao.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, "tao.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// nodes and jobs are decoded from viper
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closeFn, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("tao run", "configPath", configPath)
	slog.Debug("tao run", "config", config)
	return nil
}

func writeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
