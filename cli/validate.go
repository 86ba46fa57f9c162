package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/chiconform/suite"
)

// FileResult is the validation result of one suite file.
type FileResult struct {
	Path  string `json:"path"`
	Suite string `json:"suite,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <suite-file>...",
		Short: "Check suite files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	registry, err := suite.NewRegistry()
	if err != nil {
		return commandError("failed to load suites", err)
	}

	results := make([]FileResult, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		res := FileResult{Path: path, Valid: true}

		s, err := registry.LoadFile(path)
		if err != nil {
			res.Valid = false
			res.Error = err.Error()
			invalid++
		} else {
			res.Suite = s.Name()
		}
		results = append(results, res)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return commandError("failed to write results", err)
		}
	} else {
		for _, res := range results {
			if res.Valid {
				fmt.Fprintf(out, "ok      %s (%s)\n", res.Path, res.Suite)
			} else {
				fmt.Fprintf(out, "invalid %s: %s\n", res.Path, res.Error)
			}
		}
	}

	if invalid > 0 {
		return &ExitError{
			Code:    ExitFailure,
			Message: fmt.Sprintf("%d of %d suite files invalid", invalid, len(paths)),
		}
	}
	return nil
}
