package cli

import (
	"github.com/spf13/cobra"

	"gold-monitor/internal/app"
	"gold-monitor/internal/source"
)

var showSource string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display persisted daily stats per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{}
		if showSource != "" {
			id, err := source.ParseID(showSource)
			if err != nil {
				return err
			}
			opts.Source = id
		}
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showSource, "source", "", "Only show one source (cmb, ccb, intl_cny, intl_usd, chainlink)")
}
