package cli

import (
	"github.com/spf13/cobra"

	"oracle-sync/internal/app"
)

var syncInstance string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync round and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{
			InstanceID: syncInstance,
		}
		return getApp().Sync(cmd.Context(), opts)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncInstance, "instance", "", "Instance to sync (defaults to all)")
}
