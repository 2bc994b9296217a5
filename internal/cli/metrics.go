package cli

import (
	"context"
	"fmt"
	"log"

	"sparkify/internal/config"
	"sparkify/internal/metrics"
	"sparkify/internal/metrics/datadog"
)

// metricsBackend is what InitMetrics needs from a constructed backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// test seams
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// InitMetrics installs the backend named by cfg.Metrics.Backend. The
// returned cleanup is never nil; for datadog it stops the flush loop and
// submits what is buffered.
func InitMetrics(ctx context.Context, cfg config.Config, runID string) (func(), error) {
	switch cfg.Metrics.Backend {
	case "", "none":
		return func() {}, nil
	case "datadog":
		tags := datadog.ParseTagsCSV(cfg.Metrics.Tags)
		if runID != "" {
			tags = append(tags, "run_id:"+runID)
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    "sparkify-etl",
			Tags:       tags,
			FlushEvery: cfg.Metrics.FlushEvery,
		})
		if err != nil {
			return func() {}, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil
	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q", cfg.Metrics.Backend)
	}
}
