/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector receives cache usage statistics.
type MetricsCollector interface {
	SetAmount(int)
	IncHits()
	IncMisses()
	AddEvictions(int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is prepended to all metric names.
	Namespace   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics exposes cache statistics as Prometheus collectors.
type PrometheusMetrics struct {
	EntriesAmount  prometheus.Gauge
	HitsTotal      prometheus.Counter
	MissesTotal    prometheus.Counter
	EvictionsTotal prometheus.Counter
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	return &PrometheusMetrics{
		EntriesAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace, Name: "cache_entries_amount",
			Help: "Total number of entries in the cache.", ConstLabels: opts.ConstLabels,
		}),
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: "cache_hits_total",
			Help: "Number of successfully found keys in the cache.", ConstLabels: opts.ConstLabels,
		}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: "cache_misses_total",
			Help: "Number of not found or expired keys in the cache.", ConstLabels: opts.ConstLabels,
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: "cache_evictions_total",
			Help: "Number of entries evicted because the cache was full.", ConstLabels: opts.ConstLabels,
		}),
	}
}

// MustRegister registers all collectors in the default Prometheus registry and panics on error.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.EntriesAmount, pm.HitsTotal, pm.MissesTotal, pm.EvictionsTotal)
}

// Unregister removes all collectors from the default Prometheus registry.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.EntriesAmount)
	prometheus.Unregister(pm.HitsTotal)
	prometheus.Unregister(pm.MissesTotal)
	prometheus.Unregister(pm.EvictionsTotal)
}

// SetAmount sets the total number of entries in the cache.
func (pm *PrometheusMetrics) SetAmount(amount int) { pm.EntriesAmount.Set(float64(amount)) }

// IncHits increments the number of cache hits.
func (pm *PrometheusMetrics) IncHits() { pm.HitsTotal.Inc() }

// IncMisses increments the number of cache misses.
func (pm *PrometheusMetrics) IncMisses() { pm.MissesTotal.Inc() }

// AddEvictions adds n to the number of evicted entries.
func (pm *PrometheusMetrics) AddEvictions(n int) { pm.EvictionsTotal.Add(float64(n)) }

type disabledMetrics struct{}

func (disabledMetrics) SetAmount(int)    {}
func (disabledMetrics) IncHits()         {}
func (disabledMetrics) IncMisses()       {}
func (disabledMetrics) AddEvictions(int) {}
