package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/chiconform/suite"
)

type suiteEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Opcode      string `json:"opcode"`
	Steps       int    `json:"steps"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in suites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	registry, err := suite.NewRegistry()
	if err != nil {
		return commandError("failed to load suites", err)
	}

	var entries []suiteEntry
	for _, name := range registry.Names() {
		s, _ := registry.Lookup(name)
		doc := s.Document()
		entries = append(entries, suiteEntry{
			Name:        name,
			Description: doc.Description,
			Opcode:      doc.Phase.Opcode,
			Steps:       len(doc.Steps),
		})
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tOPCODE\tSTEPS\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.Name, e.Opcode, e.Steps, e.Description)
	}
	return tw.Flush()
}
