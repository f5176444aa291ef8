package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/throw-if-null/recoverybench/internal/config"
	"github.com/throw-if-null/recoverybench/internal/logs"
	"github.com/throw-if-null/recoverybench/internal/runner"
	"github.com/throw-if-null/recoverybench/internal/store"
	"github.com/throw-if-null/recoverybench/internal/telemetry"
)

// Set with -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

// Overridden in tests.
var (
	dotenvLoad       = godotenv.Load
	telemetryInit    = telemetry.Setup
	newCommandRunner = func() runner.CommandRunner { return &runner.RealCommandRunner{} }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the root pre-run has
// loaded configuration.
type app struct {
	root       string
	configPath string
	envFile    string
	logLevel   string

	stdout io.Writer
	stderr io.Writer

	cfg      config.Config
	log      *slog.Logger
	logFile  io.Closer
	shutdown func(context.Context) error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	cmd := &cobra.Command{
		Use:           "recoverybench",
		Short:         "Generate and curate self-correction traces for terminal agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd.Context())
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.PersistentFlags()
	f.StringVar(&a.root, "root", ".", "project root holding .recoverybench/config.toml")
	f.StringVar(&a.configPath, "config", "", "config file (default <root>/.recoverybench/config.toml)")
	f.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	f.StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newGenerateCmd(a),
		newReorganizeCmd(a),
		newRegisterCmd(a),
		newCollectCmd(a),
		newReplayCmd(a),
		newCompareCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	// PersistentPostRunE is skipped when RunE fails.
	for _, sub := range cmd.Commands() {
		run := sub.RunE
		if run == nil {
			continue
		}
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if err != nil {
				_ = a.teardown(cmd.Context())
			}
			return err
		}
	}
	return cmd
}

func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := dotenvLoad(a.path(a.envFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}

	path := a.configPath
	if path == "" {
		path = config.Path(a.root)
	}
	res := config.LoadFile(path)
	if res.ParseError != nil {
		return fmt.Errorf("config %s: %w", res.Path, res.ParseError)
	}
	cfg, err := config.ApplyEnv(res.Config, os.Getenv)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if cfg.Log.File != "" {
		cfg.Log.File = a.path(cfg.Log.File)
	}
	a.cfg = cfg

	a.log, a.logFile, err = logs.New(cfg.Log, a.stderr)
	if err != nil {
		return err
	}
	if res.Found {
		a.log.Debug("config loaded", "path", res.Path)
	}

	a.shutdown, err = telemetryInit(ctx, cfg.Telemetry, version)
	if err != nil {
		a.log.Warn("telemetry disabled", "error", err)
		a.shutdown = telemetry.Noop
	}
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
		a.shutdown = nil
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
		a.logFile = nil
	}
	return errors.Join(errs...)
}

// path resolves p against the project root.
func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.root, p)
}

func (a *app) openStore() (*store.Store, func(), error) {
	s, db, err := store.Open(a.path(a.cfg.Store.Path))
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = db.Close() }, nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(a.stdout, "recoverybench %s (%s)\n", version, commit)
			return err
		},
	}
}
