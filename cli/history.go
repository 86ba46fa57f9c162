package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/chiconform/archive"
)

// HistoryOptions holds the flags of the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Suite    string
	Limit    int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show archived runs",
		Long: `Show archived runs, newest first, or the outcomes of one run.

Examples:
  chiconform history --db runs.db --suite read_shared_unit
  chiconform history --db runs.db 0190a3c2-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite archive (required)")
	cmd.Flags().StringVar(&opts.Suite, "suite", "", "only show runs of this suite")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs (0 for all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	a, err := archive.Open(opts.Database)
	if err != nil {
		return commandError("failed to open archive", err)
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if len(args) == 1 {
		outcomes, err := a.Outcomes(ctx, args[0])
		if err != nil {
			return commandError("failed to read outcomes", err)
		}
		if len(outcomes) == 0 {
			return commandError("no such run: "+args[0], nil)
		}

		if opts.Format == "json" {
			return enc.Encode(outcomes)
		}
		for _, o := range outcomes {
			fmt.Fprintln(out, o.String())
		}
		return nil
	}

	runs, err := a.Runs(ctx, opts.Suite, opts.Limit)
	if err != nil {
		return commandError("failed to read runs", err)
	}

	if opts.Format == "json" {
		return enc.Encode(runs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSUITE\tSTARTED\tRESULT\tTICKS")
	for _, r := range runs {
		result := "FAIL"
		if r.Passed {
			result = "PASS"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			r.RunID, r.Suite, r.StartedAt.Local().Format(time.DateTime), result, r.Ticks)
	}
	return tw.Flush()
}
