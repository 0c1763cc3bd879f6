// Package metrics holds the Prometheus collectors for loads and analyses.
//
// Collectors live on a private registry so that a process-wide default
// registry is never touched; the CLI dumps it to a node-exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a set of collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	loadRows        prometheus.Counter
	loadDuration    prometheus.Histogram
	loadFailures    *prometheus.CounterVec
	frequencyIssues *prometheus.CounterVec
	comparisons     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		loadRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "cellcount_load_rows_total",
			Help: "Source rows written by successful loads",
		}),
		loadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellcount_load_duration_seconds",
			Help:    "Wall time of successful loads",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}),
		loadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cellcount_load_failures_total",
			Help: "Aborted loads by failure kind",
		}, []string{"kind"}),
		frequencyIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cellcount_frequency_issues_total",
			Help: "Data-quality issues raised while computing frequencies",
		}, []string{"kind"}),
		comparisons: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cellcount_comparisons_total",
			Help: "Per-population comparison results by status",
		}, []string{"status"}),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// LoadSucceeded records a committed load.
func (m *Metrics) LoadSucceeded(rows int, d time.Duration) {
	if m == nil {
		return
	}
	m.loadRows.Add(float64(rows))
	m.loadDuration.Observe(d.Seconds())
}

// LoadFailed records an aborted load.
func (m *Metrics) LoadFailed(kind string) {
	if m == nil {
		return
	}
	m.loadFailures.WithLabelValues(kind).Inc()
}

// FrequencyIssue records one data-quality issue.
func (m *Metrics) FrequencyIssue(kind string) {
	if m == nil {
		return
	}
	m.frequencyIssues.WithLabelValues(kind).Inc()
}

// Comparison records one per-population comparison result.
func (m *Metrics) Comparison(status string) {
	if m == nil {
		return
	}
	m.comparisons.WithLabelValues(status).Inc()
}

// WriteTextfile writes the registry in text exposition format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
