/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// RequireSamplesCountInHistogram asserts that the histogram (e.g. a child of HistogramVec)
// contains the specified number of samples.
func RequireSamplesCountInHistogram(t require.TestingT, observer prometheus.Observer, wantSamplesCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	hist, ok := observer.(prometheus.Histogram)
	require.True(t, ok, "observer is not a histogram")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(hist))
	gotMetrics, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, gotMetrics, 1)
	require.Equal(t, wantSamplesCount, int(gotMetrics[0].GetMetric()[0].GetHistogram().GetSampleCount()))
}
