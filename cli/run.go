package cli

import (
	"github.com/spf13/cobra"

	"github.com/sarchlab/chiconform/archive"
	"github.com/sarchlab/chiconform/config"
	"github.com/sarchlab/chiconform/runner"
	"github.com/sarchlab/chiconform/suite"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	*RootOptions
	Endpoints  int
	ConfigPath string
	Deadline   uint64
	SharedHome bool
	Database   string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <suite>",
		Short: "Run a suite",
		Long: `Run a suite on a number of endpoints and report one outcome each.

The suite is a built-in suite name or the path of a suite file.

Exit codes:
  0 - every endpoint passed
  1 - an endpoint failed or timed out
  2 - command error

Examples:
  chiconform run read_shared_unit --endpoints 8
  chiconform run ./suites/evict.yaml --shared-home --db runs.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuite(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Endpoints, "endpoints", "n", 1, "number of endpoints")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "run configuration JSON file")
	cmd.Flags().Uint64Var(&opts.Deadline, "deadline", 0, "deadline in ticks (overrides config)")
	cmd.Flags().BoolVar(&opts.SharedHome, "shared-home", false, "connect every endpoint to one home node")
	cmd.Flags().StringVar(&opts.Database, "db", "", "archive the report to this SQLite database")

	return cmd
}

func runSuite(opts *RunOptions, ref string, cmd *cobra.Command) error {
	logger := opts.Logger(cmd.ErrOrStderr())

	cfg := config.DefaultRunConfig()
	if opts.ConfigPath != "" {
		loaded, err := config.LoadConfig(opts.ConfigPath)
		if err != nil {
			return commandError("failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Deadline != 0 {
		cfg.DeadlineTicks = opts.Deadline
	}
	if cmd.Flags().Changed("shared-home") {
		cfg.SharedHome = opts.SharedHome
	}
	if opts.Database != "" {
		cfg.ArchivePath = opts.Database
	}

	registry, err := suite.NewRegistry()
	if err != nil {
		return commandError("failed to load suites", err)
	}

	runnerOpts := []runner.Option{
		runner.WithConfig(cfg),
		runner.WithLogger(logger),
	}

	if cfg.ArchivePath != "" {
		a, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return commandError("failed to open archive", err)
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Error("failed to close archive", "err", err)
			}
		}()
		runnerOpts = append(runnerOpts, runner.WithArchive(a))
	}

	r, err := runner.New(registry, runnerOpts...)
	if err != nil {
		return commandError("invalid configuration", err)
	}

	report, err := r.Run(cmd.Context(), ref, opts.Endpoints)
	if err != nil {
		return commandError("run failed", err)
	}

	if opts.Format == "json" {
		err = report.WriteJSON(cmd.OutOrStdout())
	} else {
		err = report.WriteText(cmd.OutOrStdout())
	}
	if err != nil {
		return commandError("failed to write report", err)
	}

	if !report.Passed() {
		return &ExitError{Code: ExitFailure, Message: "suite " + report.Suite + " did not pass"}
	}
	return nil
}
