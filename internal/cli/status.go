package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashlessscythe/serialtrack/internal/config"
	"github.com/ashlessscythe/serialtrack/internal/ledger"
	"github.com/ashlessscythe/serialtrack/internal/metrics"
	"github.com/ashlessscythe/serialtrack/internal/record"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	Serial   string
	GroupBy  string
}

// StatusResult is the output payload of the status command.
type StatusResult struct {
	Serials      int                       `json:"serials"`
	Batches      int64                     `json:"batches"`
	Distribution map[record.Status]int     `json:"distribution"`
	Groups       []metrics.GroupStats      `json:"groups,omitempty"`
	Entry        *record.CurrentStatusEntry `json:"entry,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the materialized current state",
		Long: `Show the materialized current-state table: status distribution, history
log size, and optionally one serial or a grouped breakdown.

Examples:
  serialtrack status
  serialtrack status --serial S-1001
  serialtrack status --group-by delivery --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the ledger database (defaults to LEDGER_DB_PATH)")
	cmd.Flags().StringVar(&opts.Serial, "serial", "", "show one serial's entry")
	cmd.Flags().StringVar(&opts.GroupBy, "group-by", "", "grouped breakdown (delivery|customer|shipment|user)")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.Database != "" {
		cfg.Ledger.Path = opts.Database
	}

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer led.Close()

	ctx := context.Background()
	state, err := led.AllState(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read state", err)
	}
	batches, err := led.BatchCount(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}

	result := StatusResult{
		Serials:      len(state),
		Batches:      batches,
		Distribution: metrics.Distribution(state),
	}

	if opts.GroupBy != "" {
		by := metrics.GroupBy(opts.GroupBy)
		switch by {
		case metrics.ByDelivery, metrics.ByCustomer, metrics.ByShipment, metrics.ByUser:
			result.Groups = metrics.GroupedDistribution(state, by)
		default:
			return NewExitError(ExitCommandError,
				fmt.Sprintf("invalid --group-by %q: must be delivery, customer, shipment or user", opts.GroupBy))
		}
	}

	if opts.Serial != "" {
		entry, ok := state[opts.Serial]
		if !ok {
			return NewExitError(ExitFailure, fmt.Sprintf("serial %q not found", opts.Serial))
		}
		result.Entry = &entry
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
	return formatter.Success(formatStatusText(result))
}

func formatStatusText(r StatusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d serials tracked, %d batches in the log", r.Serials, r.Batches)

	statuses := make([]record.Status, 0, len(r.Distribution))
	for s := range r.Distribution {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, s := range statuses {
		fmt.Fprintf(&b, "\n  %-10s %d", s, r.Distribution[s])
	}

	for _, g := range r.Groups {
		name := g.Group
		if name == "" {
			name = "(none)"
		}
		fmt.Fprintf(&b, "\n%s: %d", name, g.Count)
	}

	if r.Entry != nil {
		e := r.Entry
		fmt.Fprintf(&b, "\nserial %s: %s (delivery=%s, customer=%s, user=%s, changed=%s)",
			e.SerialID, e.Status, e.DeliveryID, e.CustomerName, e.CreatedBy,
			e.LastChangedAt.Format("2006-01-02 15:04:05"))
	}

	return b.String()
}
