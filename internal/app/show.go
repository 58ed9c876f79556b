package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"oracle-sync/internal/storage"
)

// Show prints the sync state of every instance, then the most recent
// metrics for the selected (or only) instance.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	states, err := store.ListSyncStates(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Fprintln(os.Stdout, "no sync state recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Instance\tProcessed\tLatest\tSafe\tLag\tFailures\tActive RPC\tLast Success (UTC)\tError")
	for _, state := range states {
		lag := state.LatestBlock - state.LastProcessedBlock
		if lag < 0 {
			lag = 0
		}
		lastSuccess := ""
		if state.LastSuccessAt != nil {
			lastSuccess = state.LastSuccessAt.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if state.LastError != nil {
			errMsg = sanitizeInline(*state.LastError)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			state.InstanceID,
			state.LastProcessedBlock,
			state.LatestBlock,
			state.SafeBlock,
			lag,
			state.ConsecutiveFailures,
			state.RPCActiveURL,
			lastSuccess,
			errMsg,
		)
	}
	writer.Flush()

	instanceID := opts.InstanceID
	if instanceID == "" && len(states) == 1 {
		instanceID = states[0].InstanceID
	}
	if instanceID == "" || opts.MetricsLimit <= 0 {
		return nil
	}

	metrics, err := store.ListRecentSyncMetrics(ctx, instanceID, opts.MetricsLimit)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout)
	return writeMetricsTable(os.Stdout, metrics)
}

func writeMetricsTable(out *os.File, metrics []storage.SyncMetric) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tProcessed\tLatest\tLag\tDuration ms\tError")
	for _, metric := range metrics {
		errMsg := ""
		if metric.Error != nil {
			errMsg = sanitizeInline(*metric.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%d\t%s\n",
			metric.RecordedAt.UTC().Format(time.RFC3339),
			metric.LastProcessedBlock,
			metric.LatestBlock,
			metric.LagBlocks,
			metric.DurationMs,
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
