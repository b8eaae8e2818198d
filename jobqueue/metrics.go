/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRunDurationBuckets is default buckets into which observations of job run durations are counted.
var DefaultRunDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// MetricsCollector collects queue metrics.
type MetricsCollector interface {
	IncEnqueued(jobType string)
	ObserveFinished(jobType string, status Status, runDuration time.Duration)
	AddJobs(status Status, delta int)
	SetJobs(status Status, n int)
	IncEventsDropped()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// RunDurationBuckets is a list of buckets for the job run duration histogram.
	RunDurationBuckets []float64
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents a collector of Prometheus metrics for the job queue.
type PrometheusMetrics struct {
	Jobs               *prometheus.GaugeVec
	EnqueuedTotal      *prometheus.CounterVec
	FinishedTotal      *prometheus.CounterVec
	RunDurations       *prometheus.HistogramVec
	EventsDroppedTotal prometheus.Counter
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.RunDurationBuckets
	if buckets == nil {
		buckets = DefaultRunDurationBuckets
	}
	return &PrometheusMetrics{
		Jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_jobs",
			Help:        "Current number of jobs by status.",
			ConstLabels: opts.ConstLabels,
		}, []string{"status"}),
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_enqueued_total",
			Help:        "Number of enqueued jobs by type.",
			ConstLabels: opts.ConstLabels,
		}, []string{"type"}),
		FinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_finished_total",
			Help:        "Number of executed jobs by type and final status.",
			ConstLabels: opts.ConstLabels,
		}, []string{"type", "status"}),
		RunDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_run_duration_seconds",
			Help:        "A histogram of the job run durations.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		}, []string{"type"}),
		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "job_queue_events_dropped_total",
			Help:        "Number of job events dropped because of slow subscribers.",
			ConstLabels: opts.ConstLabels,
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Jobs, pm.EnqueuedTotal, pm.FinishedTotal, pm.RunDurations, pm.EventsDroppedTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Jobs)
	prometheus.Unregister(pm.EnqueuedTotal)
	prometheus.Unregister(pm.FinishedTotal)
	prometheus.Unregister(pm.RunDurations)
	prometheus.Unregister(pm.EventsDroppedTotal)
}

// IncEnqueued increments the counter of enqueued jobs.
func (pm *PrometheusMetrics) IncEnqueued(jobType string) {
	pm.EnqueuedTotal.WithLabelValues(jobType).Inc()
}

// ObserveFinished counts an executed job and observes its run duration.
func (pm *PrometheusMetrics) ObserveFinished(jobType string, status Status, runDuration time.Duration) {
	pm.FinishedTotal.WithLabelValues(jobType, string(status)).Inc()
	pm.RunDurations.WithLabelValues(jobType).Observe(runDuration.Seconds())
}

// AddJobs changes the gauge of jobs with the status.
func (pm *PrometheusMetrics) AddJobs(status Status, delta int) {
	pm.Jobs.WithLabelValues(string(status)).Add(float64(delta))
}

// SetJobs sets the gauge of jobs with the status.
func (pm *PrometheusMetrics) SetJobs(status Status, n int) {
	pm.Jobs.WithLabelValues(string(status)).Set(float64(n))
}

// IncEventsDropped increments the counter of dropped events.
func (pm *PrometheusMetrics) IncEventsDropped() {
	pm.EventsDroppedTotal.Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncEnqueued(string)                            {}
func (disabledMetrics) ObserveFinished(string, Status, time.Duration) {}
func (disabledMetrics) AddJobs(Status, int)                           {}
func (disabledMetrics) SetJobs(Status, int)                           {}
func (disabledMetrics) IncEventsDropped()                             {}
