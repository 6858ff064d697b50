package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashlessscythe/serialtrack/internal/config"
	"github.com/ashlessscythe/serialtrack/internal/source"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SnapshotDir string
}

// NewRunCommand creates the run command: the long-running periodic engine.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation engine",
		Long: `Run the engine loop: watch a directory for snapshot CSV exports and run
one reconciliation cycle per interval. Each cycle normalizes the newest
export, diffs it against the materialized state, appends the diff batch to
the history log and updates the current-state table.

Configuration comes from the environment (see .env support):
  LEDGER_DB_PATH, WINDOW_MINUTES, WAREHOUSE_FILTER,
  RECONCILIATION_INTERVAL_SECONDS, CACHE_TYPE, ...

Examples:
  serialtrack run --snapshots ./exports
  serialtrack run --snapshots ./exports --verbose`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts)
		},
	}

	cmd.Flags().StringVar(&opts.SnapshotDir, "snapshots", "", "directory of snapshot CSV exports (required)")
	_ = cmd.MarkFlagRequired("snapshots")

	return cmd
}

func runRun(opts *RunOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	logger := newLogger(opts.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src := source.NewDirSource(opts.SnapshotDir)
	e, led, c, err := buildEngine(ctx, cfg, src, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	defer led.Close()
	defer c.Close()

	logger.Info("engine started",
		"snapshots", opts.SnapshotDir,
		"interval", cfg.Reconcile.Interval(),
		"ledger", cfg.Ledger.Path,
	)

	err = e.Run(ctx, cfg.Reconcile.Interval())
	if errors.Is(err, context.Canceled) {
		logger.Info("engine stopped")
		return nil
	}
	return err
}
