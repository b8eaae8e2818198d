/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector collects limiter decisions.
type MetricsCollector interface {
	IncDecisions(policy string, allowed bool)
	IncStoreErrors(policy string)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents a collector of Prometheus metrics for rate limiters.
type PrometheusMetrics struct {
	DecisionsTotal   *prometheus.CounterVec
	StoreErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "rate_limit_decisions_total",
		Help:        "Number of rate limit decisions by policy and outcome.",
		ConstLabels: opts.ConstLabels,
	}, []string{"policy", "outcome"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Name:        "rate_limit_store_errors_total",
		Help:        "Number of rate limit checks failed because of the store.",
		ConstLabels: opts.ConstLabels,
	}, []string{"policy"})
	return &PrometheusMetrics{DecisionsTotal: decisions, StoreErrorsTotal: storeErrors}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.DecisionsTotal, pm.StoreErrorsTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.DecisionsTotal)
	prometheus.Unregister(pm.StoreErrorsTotal)
}

// IncDecisions increments the counter of decisions.
func (pm *PrometheusMetrics) IncDecisions(policy string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	pm.DecisionsTotal.WithLabelValues(policy, outcome).Inc()
}

// IncStoreErrors increments the counter of store errors.
func (pm *PrometheusMetrics) IncStoreErrors(policy string) {
	pm.StoreErrorsTotal.WithLabelValues(policy).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncDecisions(string, bool) {}
func (disabledMetrics) IncStoreErrors(string)     {}
