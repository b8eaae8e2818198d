/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/testutil"
)

func TestHTTPRequestMetrics(t *testing.T) {
	collector := NewHTTPRequestPrometheusMetrics()
	getRoutePattern := func(r *http.Request) string { return "/jobs/{id}" }
	var inFlight float64
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		inFlight = promtest.ToFloat64(collector.InFlight.WithLabelValues(http.MethodGet, "/jobs/{id}"))
		if r.URL.Query().Get("panic") != "" {
			panic("boom")
		}
		rw.WriteHeader(http.StatusNotFound)
	})
	handler := HTTPRequestMetricsWithOpts(collector, getRoutePattern, HTTPRequestMetricsOpts{ExcludedEndpoints: []string{"/metrics"}})(next)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/1", nil))
	require.Equal(t, 1.0, inFlight)
	require.Equal(t, 0.0, promtest.ToFloat64(collector.InFlight.WithLabelValues(http.MethodGet, "/jobs/{id}")))

	require.Panics(t, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/1?panic=1", nil))
	})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, 2, promtest.CollectAndCount(collector.Durations))
	testutil.RequireSamplesCountInHistogram(t, collector.Durations.WithLabelValues(http.MethodGet, "/jobs/{id}", "404"), 1)
	testutil.RequireSamplesCountInHistogram(t, collector.Durations.WithLabelValues(http.MethodGet, "/jobs/{id}", "500"), 1)
}
