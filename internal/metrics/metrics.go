// Package metrics records run metrics in a per-session Prometheus registry
// and exports them in the node_exporter textfile format.
//
// All metrics are prefixed with "mediashrink_":
//   - jobs_total{outcome}: finished jobs by outcome (committed, reverted,
//     failed, interrupted, deferred, skipped)
//   - bytes_saved_total: bytes reclaimed by committed jobs
//   - encode_duration_seconds: wall time of each encode that ran to an end
//   - discovered_files: files accepted by the last discovery pass
//   - last_run_timestamp: unix time the last run finished
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwlsn/mediashrink/internal/jobs"
)

// Outcome labels
const (
	OutcomeCommitted   = "committed"
	OutcomeReverted    = "reverted"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
	OutcomeDeferred    = "deferred"
	OutcomeSkipped     = "skipped"
)

// Metrics is one run's set of collectors
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal       *prometheus.CounterVec
	BytesSaved      prometheus.Counter
	EncodeDuration  prometheus.Histogram
	DiscoveredFiles prometheus.Gauge
	LastRun         prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediashrink_jobs_total",
				Help: "Total number of finished jobs by outcome",
			},
			[]string{"outcome"},
		),
		BytesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mediashrink_bytes_saved_total",
				Help: "Bytes reclaimed by committed transcodes",
			},
		),
		EncodeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediashrink_encode_duration_seconds",
				Help:    "Encode wall time in seconds",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
			},
		),
		DiscoveredFiles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediashrink_discovered_files",
				Help: "Video files accepted by the last discovery pass",
			},
		),
		LastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediashrink_last_run_timestamp",
				Help: "Unix timestamp of the last completed run",
			},
		),
	}
	m.registry.MustRegister(m.JobsTotal, m.BytesSaved, m.EncodeDuration, m.DiscoveredFiles, m.LastRun)

	// Pre-create every outcome series so a quiet run still exports zeros
	for _, o := range []string{OutcomeCommitted, OutcomeReverted, OutcomeFailed, OutcomeInterrupted, OutcomeDeferred, OutcomeSkipped} {
		m.JobsTotal.WithLabelValues(o)
	}
	return m
}

// Registry returns the registry holding this run's collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOutcome records one finished job
func (m *Metrics) ObserveOutcome(o *jobs.Outcome) {
	label := outcomeLabel(o)
	m.JobsTotal.WithLabelValues(label).Inc()

	switch label {
	case OutcomeCommitted:
		m.BytesSaved.Add(float64(o.Saved()))
		m.EncodeDuration.Observe(o.Elapsed.Seconds())
	case OutcomeReverted, OutcomeFailed:
		if o.Elapsed > 0 {
			m.EncodeDuration.Observe(o.Elapsed.Seconds())
		}
	}
}

// ObserveSkipped counts files the analyzer decided not to touch
func (m *Metrics) ObserveSkipped(n int) {
	m.JobsTotal.WithLabelValues(OutcomeSkipped).Add(float64(n))
}

// SetDiscovered sets the discovered file gauge
func (m *Metrics) SetDiscovered(n int) {
	m.DiscoveredFiles.Set(float64(n))
}

// MarkFinished stamps the last run time
func (m *Metrics) MarkFinished(t time.Time) {
	m.LastRun.Set(float64(t.Unix()))
}

// WriteTextfile writes every metric to path atomically, for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func outcomeLabel(o *jobs.Outcome) string {
	switch {
	case o.Deferred:
		return OutcomeDeferred
	case o.Interrupted:
		return OutcomeInterrupted
	case o.State == jobs.StateCommitted:
		return OutcomeCommitted
	case o.State == jobs.StateReverted:
		return OutcomeReverted
	default:
		return OutcomeFailed
	}
}
