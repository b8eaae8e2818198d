/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics counts error responses written by RespondError and friends.
type PrometheusMetrics struct {
	ResponseErrors *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors. They count nothing until passed to SetMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		ResponseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restapi",
			Name:      "response_errors_total",
			Help:      "Number of error responses by error domain and code.",
		}, []string{"domain", "code"}),
	}
}

// MustRegister registers the collectors in the default Prometheus registry.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.ResponseErrors)
}

// Unregister removes the collectors from the default Prometheus registry.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.ResponseErrors)
}

var activeMetrics atomic.Pointer[PrometheusMetrics]

// SetMetrics makes error responses of this package counted by pm. Nil turns counting off.
func SetMetrics(pm *PrometheusMetrics) {
	activeMetrics.Store(pm)
}

func countErrorResponse(err *Error) {
	if pm := activeMetrics.Load(); pm != nil {
		pm.ResponseErrors.WithLabelValues(err.Domain, err.Code).Inc()
	}
}
