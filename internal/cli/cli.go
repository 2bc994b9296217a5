// Package cli holds the plumbing shared by the create_tables and etl
// commands: flags, config and logger bootstrap, metrics, signals and exit
// codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sparkify/internal/config"
	"sparkify/internal/etlerr"
	"sparkify/internal/loader"
	"sparkify/internal/logging"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Runner is the slice of *loader.Runner the commands call.
type Runner interface {
	Reset(ctx context.Context, cfg config.Config) error
	Load(ctx context.Context, cfg config.Config, onFile func(path string)) (loader.Summary, error)
}

// Deps are the side-effecting seams of a command. Tests replace them.
type Deps struct {
	LoadConfig  func(path string) (config.Config, error)
	NewLogger   func(mode, level string) (*logging.Logger, error)
	NewRunner   func(log *logging.Logger) Runner
	InitMetrics func(ctx context.Context, cfg config.Config, runID string) (func(), error)
	NewRunID    func() string
}

// DefaultDeps wires the real config loader, zap, the loader Runner and the
// metrics backends.
func DefaultDeps() Deps {
	return Deps{
		LoadConfig:  config.Load,
		NewLogger:   logging.New,
		NewRunner:   func(log *logging.Logger) Runner { return loader.NewDefaultRunner(log) },
		InitMetrics: InitMetrics,
		NewRunID:    uuid.NewString,
	}
}

// Flags are the options every command accepts.
type Flags struct {
	Config  string
	Verbose bool
}

// Env is what a command body runs with once bootstrap succeeded.
type Env struct {
	Config config.Config
	Log    *logging.Logger
	Runner Runner
	RunID  string
	Stdout io.Writer
	Stderr io.Writer
}

// Body is a command's work.
type Body func(ctx context.Context, env Env) error

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// NewCommand builds a cobra command with the shared flags. The body runs
// after config, logger and metrics are set up; cleanup runs after it.
func NewCommand(use, short string, deps Deps, body Body) (*cobra.Command, *Flags) {
	flags := &Flags{}
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd.Context(), cmd, *flags, deps, body)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	cmd.Flags().StringVar(&flags.Config, "config", config.DefaultPath, "path to the warehouse config file")
	cmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logs")
	return cmd, flags
}

func execute(ctx context.Context, cmd *cobra.Command, flags Flags, deps Deps, body Body) error {
	cfg, err := deps.LoadConfig(flags.Config)
	if err != nil {
		return err
	}
	warnings, err := config.Check(cfg)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if flags.Verbose {
		level = "debug"
	}
	base, err := deps.NewLogger(cfg.Log.Mode, level)
	if err != nil {
		return &etlerr.ConfigError{Path: cfg.Path, Err: err}
	}
	defer base.Sync()

	runID := deps.NewRunID()
	log := base.With("run_id", runID, "cmd", cmd.Name())
	for _, w := range warnings {
		log.Warn("config", "path", w.Path, "issue", w.Message)
	}

	cleanup, err := deps.InitMetrics(ctx, cfg, runID)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	log.Debug("config loaded", "file", cfg.Path, "storage", cfg.Storage.Kind, "dsn", cfg.DSN())
	return body(ctx, Env{
		Config: cfg,
		Log:    log,
		Runner: deps.NewRunner(log),
		RunID:  runID,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
}

// Run executes cmd with args and maps the outcome to an exit code. Errors
// are printed to stderr.
func Run(ctx context.Context, cmd *cobra.Command, args []string, stdout, stderr io.Writer) int {
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	code := ExitCode(err)
	if code == ExitUsage {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "usage: %s\n", cmd.UseLine())
		}
	}
	fmt.Fprintf(stderr, "%s: %v\n", cmd.Name(), err)
	return code
}

// ExitCode maps an error to the process exit status: 2 for configuration
// and usage problems, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *etlerr.ConfigError
	var ue usageError
	if errors.As(err, &ce) || errors.As(err, &ue) {
		return ExitUsage
	}
	return ExitFailure
}

// NotifyContext cancels on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Main is the whole of a command's main function.
func Main(build func(Deps) *cobra.Command) {
	ctx, stop := NotifyContext(context.Background())
	code := Run(ctx, build(DefaultDeps()), os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
