// Package metrics exposes rotation run outcomes as Prometheus metrics.
//
// The tool runs as a one-shot job, so metrics are collected into a private
// registry and written out as a node_exporter textfile rather than served.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/systmms/keyrotate/internal/rotation"
)

// Metrics records rotation runs
type Metrics struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	stageDuration     *prometheus.HistogramVec
	keysRetired       prometheus.Counter
	deletionFailures  prometheus.Counter
	lastSuccess       prometheus.Gauge
	lastRunSuccessful prometheus.Gauge
}

// New creates metrics registered on their own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyrotate_runs_total",
				Help: "Total number of rotation runs by result and halting stage",
			},
			[]string{"status", "stage"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keyrotate_run_duration_seconds",
				Help:    "Duration of rotation runs in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60},
			},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyrotate_stage_duration_seconds",
				Help:    "Duration of rotation stages in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"stage", "status"},
		),
		keysRetired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyrotate_keys_retired_total",
				Help: "Total number of aged keys deleted",
			},
		),
		deletionFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keyrotate_key_deletion_failures_total",
				Help: "Total number of aged keys that could not be deleted",
			},
		),
		lastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyrotate_last_success_timestamp_seconds",
				Help: "Unix time of the last completed rotation run",
			},
		),
		lastRunSuccessful: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keyrotate_last_run_success",
				Help: "Whether the last rotation run completed (1) or halted (0)",
			},
		),
	}
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Record implements rotation.Recorder
func (m *Metrics) Record(_ context.Context, result *rotation.Result) error {
	stage := string(result.HaltedAt)
	if result.Completed() {
		stage = "none"
	}
	m.runsTotal.WithLabelValues(string(result.Status), stage).Inc()
	m.runDuration.Observe(result.Duration().Seconds())

	for _, s := range result.Steps {
		m.stageDuration.WithLabelValues(string(s.Stage), string(s.Status)).Observe(s.Duration().Seconds())
	}

	m.keysRetired.Add(float64(len(result.Deleted)))
	m.deletionFailures.Add(float64(len(result.DeleteFailed)))

	if result.Completed() {
		m.lastSuccess.Set(float64(result.FinishedAt.Unix()))
		m.lastRunSuccessful.Set(1)
	} else {
		m.lastRunSuccessful.Set(0)
	}
	return nil
}

// WriteTextfile writes every metric to path in the text exposition format
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
