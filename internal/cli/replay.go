package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-sync/internal/app"
)

var (
	replayInstance string
	replayFrom     int64
	replayTo       int64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-project stored oracle events for a block range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFrom < 0 {
			return fmt.Errorf("--from must not be negative")
		}

		opts := app.ReplayOptions{
			InstanceID: replayInstance,
			FromBlock:  replayFrom,
			ToBlock:    replayTo,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayInstance, "instance", "", "Instance to replay (defaults to \"default\")")
	replayCmd.Flags().Int64Var(&replayFrom, "from", 0, "First block to replay (inclusive)")
	replayCmd.Flags().Int64Var(&replayTo, "to", 0, "Last block to replay (inclusive, 0 means end of log)")
}
