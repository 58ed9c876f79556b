package cli

import (
	"github.com/spf13/cobra"

	"oracle-sync/internal/app"
)

var (
	showInstance     string
	showMetricsLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display sync state and recent metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			InstanceID:   showInstance,
			MetricsLimit: showMetricsLimit,
		}
		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showInstance, "instance", "", "Instance whose metrics to display")
	showCmd.Flags().IntVar(&showMetricsLimit, "limit", 20, "Number of metric rows to display")
}
