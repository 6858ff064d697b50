package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashlessscythe/serialtrack/internal/config"
	"github.com/ashlessscythe/serialtrack/internal/record"
	"github.com/ashlessscythe/serialtrack/internal/source"
)

// OnceOptions holds flags for the once command.
type OnceOptions struct {
	*RootOptions
	File       string
	CapturedAt string
}

// OnceResult is the output payload of a single-cycle run.
type OnceResult struct {
	SnapshotID  string             `json:"snapshot_id"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Seq         int64              `json:"seq,omitempty"`
	Added       int                `json:"added"`
	Removed     int                `json:"removed"`
	Updated     int                `json:"updated"`
	Records     []record.DiffRecord `json:"records,omitempty"`
}

// NewOnceCommand creates the once command: ingest one snapshot and exit.
func NewOnceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OnceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Ingest a single snapshot file and run one cycle",
		Long: `Ingest one snapshot CSV, run one reconciliation cycle against the current
ledger, and print the resulting diff batch.

Examples:
  serialtrack once --file ./exports/snap-2025-06-01.csv
  serialtrack once --file snap.csv --captured-at 2025-06-01T12:00:00Z --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "snapshot CSV file (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&opts.CapturedAt, "captured-at", "", "snapshot capture time (RFC 3339, defaults to file mtime)")

	return cmd
}

func runOnce(opts *OnceOptions, cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	var capturedAt time.Time
	if opts.CapturedAt != "" {
		capturedAt, err = time.Parse(time.RFC3339, opts.CapturedAt)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --captured-at", err)
		}
	}

	logger := newLogger(opts.Verbose)
	ctx := context.Background()

	src := source.NewFileSource(opts.File, capturedAt)
	e, led, c, err := buildEngine(ctx, cfg, src, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	defer led.Close()
	defer c.Close()

	if err := e.RunCycle(ctx); err != nil {
		return WrapExitError(ExitFailure, "cycle failed", err)
	}

	batch := e.LatestDiff()
	added, removed, updated := batch.Counts()
	result := OnceResult{
		SnapshotID:  batch.SnapshotID,
		Fingerprint: batch.Fingerprint,
		Seq:         batch.Seq,
		Added:       added,
		Removed:     removed,
		Updated:     updated,
		Records:     batch.Records,
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return formatter.Success(formatOnceText(result))
}

func formatOnceText(r OnceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot %s: +%d added, -%d removed, ~%d updated",
		r.SnapshotID, r.Added, r.Removed, r.Updated)
	for _, rec := range r.Records {
		switch rec.ChangeType {
		case record.ChangeAdded:
			fmt.Fprintf(&b, "\n  + %s -> %s", rec.SerialID, rec.ToStatus)
		case record.ChangeRemoved:
			fmt.Fprintf(&b, "\n  - %s (was %s)", rec.SerialID, rec.FromStatus)
		case record.ChangeUpdated:
			fmt.Fprintf(&b, "\n  ~ %s %s -> %s", rec.SerialID, rec.FromStatus, rec.ToStatus)
		}
	}
	return b.String()
}
