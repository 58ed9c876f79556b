package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-sync/internal/config"
	"oracle-sync/internal/storage"
)

// Export renders the sync metrics series for one instance as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	if opts.InstanceID == "" {
		opts.InstanceID = config.DefaultInstanceID
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	metrics, err := store.ListSyncMetricsBetween(ctx, opts.InstanceID, from, to)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		a.Logger.Info().Str("instance", opts.InstanceID).Msg("no metrics found for export window")
		return nil
	}

	downsampled := downsampleMetrics(metrics, opts.MaxPoints)
	a.Logger.Info().Int("total", len(metrics)).Int("exported", len(downsampled)).Msg("exporting metrics")

	if opts.CSVPath != "" {
		if err := writeMetricsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeMetricsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleMetrics(metrics []storage.SyncMetric, max int) []storage.SyncMetric {
	if max <= 0 || len(metrics) <= max {
		return metrics
	}

	result := make([]storage.SyncMetric, 0, max)
	step := float64(len(metrics)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(metrics) {
			idx = len(metrics) - 1
		}
		result = append(result, metrics[idx])
	}
	return result
}

func writeMetricsCSV(path string, metrics []storage.SyncMetric) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"recorded_at", "last_processed_block", "latest_block", "safe_block", "lag_blocks", "duration_ms", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, metric := range metrics {
		errMsg := ""
		if metric.Error != nil {
			errMsg = *metric.Error
		}
		record := []string{
			metric.RecordedAt.Format(time.RFC3339),
			strconv.FormatInt(metric.LastProcessedBlock, 10),
			strconv.FormatInt(metric.LatestBlock, 10),
			strconv.FormatInt(metric.SafeBlock, 10),
			strconv.FormatInt(metric.LagBlocks, 10),
			strconv.FormatInt(metric.DurationMs, 10),
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeMetricsPNG(path string, metrics []storage.SyncMetric) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(metrics))
	processed := make([]float64, len(metrics))
	latest := make([]float64, len(metrics))
	lag := make([]float64, len(metrics))

	for i, metric := range metrics {
		x[i] = metric.RecordedAt
		processed[i] = float64(metric.LastProcessedBlock)
		latest[i] = float64(metric.LatestBlock)
		lag[i] = float64(metric.LagBlocks)
	}

	blockFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Block height",
			ValueFormatter: blockFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Lag (blocks)",
			ValueFormatter: blockFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Processed",
				XValues: x,
				YValues: processed,
			},
			chart.TimeSeries{
				Name:    "Latest",
				XValues: x,
				YValues: latest,
			},
			chart.TimeSeries{
				Name:    "Lag",
				XValues: x,
				YValues: lag,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
