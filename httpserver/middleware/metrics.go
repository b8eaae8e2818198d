/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	httpRequestMetricsLabelMethod       = "method"
	httpRequestMetricsLabelRoutePattern = "route_pattern"
	httpRequestMetricsLabelStatusCode   = "status_code"
)

// DefaultHTTPRequestDurationBuckets is default buckets into which observations of serving HTTP requests are counted.
var DefaultHTTPRequestDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// HTTPRequestPrometheusMetricsOpts represents an options for HTTPRequestPrometheusMetrics.
type HTTPRequestPrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// DurationBuckets is a list of buckets into which observations of serving HTTP requests are counted.
	DurationBuckets []float64
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// HTTPRequestPrometheusMetrics represents collector of metrics for incoming HTTP requests.
type HTTPRequestPrometheusMetrics struct {
	Durations *prometheus.HistogramVec
	InFlight  *prometheus.GaugeVec
}

// NewHTTPRequestPrometheusMetrics creates a new metrics collector.
func NewHTTPRequestPrometheusMetrics() *HTTPRequestPrometheusMetrics {
	return NewHTTPRequestPrometheusMetricsWithOpts(HTTPRequestPrometheusMetricsOpts{})
}

// NewHTTPRequestPrometheusMetricsWithOpts is a more configurable version of creating HTTPRequestPrometheusMetrics.
func NewHTTPRequestPrometheusMetricsWithOpts(opts HTTPRequestPrometheusMetricsOpts) *HTTPRequestPrometheusMetrics {
	durBuckets := opts.DurationBuckets
	if durBuckets == nil {
		durBuckets = DefaultHTTPRequestDurationBuckets
	}
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   opts.Namespace,
		Name:        "http_request_duration_seconds",
		Help:        "A histogram of the HTTP request durations.",
		Buckets:     durBuckets,
		ConstLabels: opts.ConstLabels,
	}, []string{httpRequestMetricsLabelMethod, httpRequestMetricsLabelRoutePattern, httpRequestMetricsLabelStatusCode})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Name:        "http_requests_in_flight",
		Help:        "Current number of HTTP requests being served.",
		ConstLabels: opts.ConstLabels,
	}, []string{httpRequestMetricsLabelMethod, httpRequestMetricsLabelRoutePattern})
	return &HTTPRequestPrometheusMetrics{Durations: durations, InFlight: inFlight}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *HTTPRequestPrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Durations, pm.InFlight)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *HTTPRequestPrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.InFlight)
	prometheus.Unregister(pm.Durations)
}

// HTTPRequestMetricsOpts represents an options for HTTPRequestMetrics middleware.
type HTTPRequestMetricsOpts struct {
	ExcludedEndpoints []string
}

// HTTPRequestMetrics is a middleware that collects metrics for incoming HTTP requests using Prometheus data types.
func HTTPRequestMetrics(
	collector *HTTPRequestPrometheusMetrics, getRoutePattern RoutePatternGetterFunc,
) func(next http.Handler) http.Handler {
	return HTTPRequestMetricsWithOpts(collector, getRoutePattern, HTTPRequestMetricsOpts{})
}

// HTTPRequestMetricsWithOpts is a more configurable version of HTTPRequestMetrics middleware.
func HTTPRequestMetricsWithOpts(
	collector *HTTPRequestPrometheusMetrics, getRoutePattern RoutePatternGetterFunc, opts HTTPRequestMetricsOpts,
) func(next http.Handler) http.Handler {
	if getRoutePattern == nil {
		panic("function for getting route pattern cannot be nil")
	}
	excluded := make(map[string]struct{}, len(opts.ExcludedEndpoints))
	for _, endpoint := range opts.ExcludedEndpoints {
		excluded[endpoint] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if _, ok := excluded[r.URL.Path]; ok {
				next.ServeHTTP(rw, r)
				return
			}

			startTime := GetRequestStartTimeFromContext(r.Context())
			if startTime.IsZero() {
				startTime = time.Now()
				r = r.WithContext(NewContextWithRequestStartTime(r.Context(), startTime))
			}

			// The route pattern is known only after routing, the in-flight gauge uses the one known before.
			inFlightGauge := collector.InFlight.WithLabelValues(r.Method, getRoutePattern(r))
			inFlightGauge.Inc()
			defer inFlightGauge.Dec()

			wrw := wrapResponseWriterIfNeeded(rw, r.ProtoMajor)
			defer func() {
				p := recover()
				if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					panic(p)
				}
				status := responseStatus(wrw)
				if p != nil {
					status = http.StatusInternalServerError
				}
				collector.Durations.WithLabelValues(r.Method, getRoutePattern(r), strconv.Itoa(status)).
					Observe(time.Since(startTime).Seconds())
				if p != nil {
					panic(p)
				}
			}()
			next.ServeHTTP(wrw, r)
		})
	}
}
