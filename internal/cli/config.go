package cli

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective runtime settings as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().PrintSettings(cmd.Context(), cmd.OutOrStdout())
	},
}
