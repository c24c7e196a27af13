package cli

import (
	"github.com/spf13/cobra"
)

var notifyURL string

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a test push to a Bark endpoint or to every configured transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Notify(cmd.Context(), cmd.OutOrStdout(), notifyURL)
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifyURL, "url", "", "Bark endpoint, e.g. https://api.day.app/KEY")
}
