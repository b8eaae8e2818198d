/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/log/logtest"
	"github.com/secureshare/secureshare/retry"
)

var fastRetries = retry.NewConstantBackoffPolicy(time.Millisecond, 3)

func TestNew_RetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "secureshare-cli/test", r.Header.Get("User-Agent"))
		if n < 3 {
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "2", r.Header.Get(RetryAttemptNumberHeader))
		_, _ = rw.Write([]byte("ok"))
	}))
	defer srv.Close()

	logger := logtest.NewRecorder()
	client := New(Opts{UserAgent: "secureshare-cli/test", Logger: logger, Retries: fastRetries})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer func() { require.NoError(t, resp.Body.Close()) }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())

	logged := logger.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
		return e.Text == "client HTTP request done"
	})
	require.Len(t, logged, 3)
}

func TestNew_DoesNotRetryPostOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := New(Opts{Retries: fastRetries}).Post(srv.URL, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestNew_RetriesPostOnTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, `{"type":"virus-scan"}`, string(body))
		if calls.Add(1) == 1 {
			rw.Header().Set("Retry-After", "0")
			rw.WriteHeader(http.StatusTooManyRequests)
			return
		}
		rw.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	resp, err := New(Opts{Retries: fastRetries}).Post(srv.URL, "application/json",
		strings.NewReader(`{"type":"virus-scan"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.EqualValues(t, 2, calls.Load())
}

func TestNew_RetryAttemptsExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := logtest.NewRecorder()
	resp, err := New(Opts{Logger: logger, Retries: fastRetries}).Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.EqualValues(t, 4, calls.Load())
	_, found := logger.FindEntry("retry attempts exhausted")
	require.True(t, found)
}

func TestNew_WithoutRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "custom", r.Header.Get("User-Agent"))
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")
	resp, err := New(Opts{UserAgent: "secureshare-cli/test"}).Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.EqualValues(t, 1, calls.Load())
}

func TestRetryableRoundTripper_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Retry-After", "30")
		rw.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	rt := NewRetryableRoundTripperWithOpts(http.DefaultTransport, RetryableRoundTripperOpts{BackoffPolicy: fastRetries})
	_, err = rt.RoundTrip(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := parseRetryAfter("7")
	require.True(t, ok)
	require.Equal(t, 7*time.Second, d)

	_, ok = parseRetryAfter("-1")
	require.False(t, ok)
	_, ok = parseRetryAfter("soon")
	require.False(t, ok)

	d, ok = parseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	require.True(t, ok)
	require.Zero(t, d)
}
