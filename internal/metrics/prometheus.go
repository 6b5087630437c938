// Package metrics exposes Prometheus metrics for backup jobs and cycles.
package metrics

import (
	"context"
	"fmt"

	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hoarder"

// PrometheusMetrics holds the registered collectors. It implements the
// coordinator's Observer interface.
type PrometheusMetrics struct {
	JobCounter      *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	SnapshotBytes   *prometheus.CounterVec
	EscalationCount *prometheus.CounterVec
	LastSuccess     *prometheus.GaugeVec
	CycleCounter    *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	FatalLocks      prometheus.Gauge
}

// NewPrometheusMetrics creates the metrics and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		JobCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Backup jobs by terminal state and failure reason.",
		}, []string{"state", "reason"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Backup job duration in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 600, 1800, 3600, 7200, 14400},
		}, []string{"target"}),
		SnapshotBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_added_bytes_total",
			Help:      "Bytes added to the repository by snapshots.",
		}, []string{"target"}),
		EscalationCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Jobs that left a container in need of operator attention.",
		}, []string{"target"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed backup per target.",
		}, []string{"target"}),
		CycleCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Coordination cycles by trigger.",
		}, []string{"trigger"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Coordination cycle duration in seconds.",
			Buckets:   []float64{1, 10, 60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}),
		FatalLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fatal_locks",
			Help:      "Containers held by a fatal lock.",
		}),
	}

	collectors := []prometheus.Collector{
		m.JobCounter, m.JobDuration, m.SnapshotBytes, m.EscalationCount,
		m.LastSuccess, m.CycleCounter, m.CycleDuration, m.FatalLocks,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// JobFinished records a terminal job report.
func (m *PrometheusMetrics) JobFinished(_ context.Context, report models.JobReport) {
	m.JobCounter.WithLabelValues(string(report.State), string(report.Reason)).Inc()
	m.JobDuration.WithLabelValues(report.Target).Observe(report.Elapsed.Seconds())

	var added int64
	for _, s := range report.Snapshots {
		added += s.SizeBytes
	}
	if added > 0 {
		m.SnapshotBytes.WithLabelValues(report.Target).Add(float64(added))
	}

	if report.State == models.JobStateCompleted {
		m.LastSuccess.WithLabelValues(report.Target).Set(float64(report.StartedAt.Add(report.Elapsed).Unix()))
	}
}

// JobEscalated counts an escalated job.
func (m *PrometheusMetrics) JobEscalated(_ context.Context, report models.JobReport) {
	m.EscalationCount.WithLabelValues(report.Target).Inc()
}

// RecordCycle records a finished cycle.
func (m *PrometheusMetrics) RecordCycle(report *models.CycleReport) {
	m.CycleCounter.WithLabelValues(report.Trigger).Inc()
	m.CycleDuration.Observe(report.Elapsed.Seconds())
}

// SetFatalLocks sets the number of containers held by a fatal lock.
func (m *PrometheusMetrics) SetFatalLocks(n int) {
	m.FatalLocks.Set(float64(n))
}
