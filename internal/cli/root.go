// Package cli holds the gpufand command tree.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/gpufand/internal/config"
	"codeberg.org/mutker/gpufand/internal/errors"
	"codeberg.org/mutker/gpufand/internal/gpu"
	"codeberg.org/mutker/gpufand/internal/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// openExecutor is replaced in tests.
var openExecutor = func(cfg *config.Config) (gpu.Executor, error) {
	return gpu.Open(gpu.Options{
		Backend: cfg.Backend,
		Display: cfg.Display,
		Log:     logger.Default(),
	})
}

type app struct {
	cfg *config.Config
	out io.Writer
}

// NewRootCmd builds the command tree writing tables to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:           "gpufand",
		Short:         "gpufand drives NVIDIA GPU fans from a temperature curve",
		Args:          cobra.ExactArgs(0),
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDaemon(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Close()
		},
	}
	root.SetOut(out)
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(a.gpusCmd(), a.restoreCmd())

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(config.WithFlags(cmd.Flags()))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Service: logger.IsService(),
	}); err != nil {
		return err
	}

	if cfg.File != "" {
		logger.Debug().Str("path", cfg.File).Msg("Config loaded")
	} else {
		logger.Debug().Msg("No config file, using defaults")
	}

	a.cfg = cfg

	return nil
}

// Execute runs the command line and exits with its status.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.ErrorWithCode(appErr).Msg("gpufand failed")
		} else {
			logger.Error().Err(err).Msg("gpufand failed")
		}
		_ = logger.Close()
		stop()
		os.Exit(1)
	}
}
