package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sarchlab/chiconform/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(_ *RootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or write the default run configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRunConfig()
			if out != "" {
				if err := cfg.SaveConfig(out); err != nil {
					return commandError("failed to write config", err)
				}
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")

	return cmd
}
