/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/retry"
)

// RetryAttemptNumberHeader contains the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// DefaultMaxRetryAfter caps the wait time taken from the Retry-After response header.
const DefaultMaxRetryAfter = time.Minute

// DefaultBackoffPolicy makes up to 3 retry attempts with exponentially growing delays starting from 200ms.
var DefaultBackoffPolicy = retry.NewExponentialBackoffPolicy(200*time.Millisecond, 3)

// RetryableRoundTripper resends requests that failed with a temporary error.
//
// A 429 or 503 response is retried for any method since the server rejected the request without handling it.
// Other 5xx responses and network errors are retried for idempotent methods only,
// so POST requests that might have been applied are never sent twice.
type RetryableRoundTripper struct {
	Delegate      http.RoundTripper
	Logger        log.FieldLogger
	BackoffPolicy retry.Policy
	MaxRetryAfter time.Duration
}

// RetryableRoundTripperOpts represents options for RetryableRoundTripper.
type RetryableRoundTripperOpts struct {
	Logger        log.FieldLogger
	BackoffPolicy retry.Policy
	MaxRetryAfter time.Duration
}

// NewRetryableRoundTripper creates a RetryableRoundTripper with default options.
func NewRetryableRoundTripper(delegate http.RoundTripper) *RetryableRoundTripper {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts creates a RetryableRoundTripper.
func NewRetryableRoundTripperWithOpts(delegate http.RoundTripper, opts RetryableRoundTripperOpts) *RetryableRoundTripper {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = DefaultBackoffPolicy
	}
	if opts.MaxRetryAfter == 0 {
		opts.MaxRetryAfter = DefaultMaxRetryAfter
	}
	return &RetryableRoundTripper{
		Delegate:      delegate,
		Logger:        opts.Logger,
		BackoffPolicy: opts.BackoffPolicy,
		MaxRetryAfter: opts.MaxRetryAfter,
	}
}

// RoundTrip implements http.RoundTripper.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	ctx := req.Context()
	bo := rt.BackoffPolicy.NewBackOff()
	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		}
		if attempt > 0 {
			attemptReq.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(attempt))
		}

		resp, err := rt.Delegate.RoundTrip(attemptReq)
		if !needRetry(req.Method, resp, err) {
			return resp, err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			rt.Logger.Warn("retry attempts exhausted", log.String("method", req.Method),
				log.String("uri", req.URL.String()), log.Int("requests", attempt+1))
			return resp, err
		}
		if resp != nil {
			if retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				wait = min(retryAfter, rt.MaxRetryAfter)
			}
			drainAndClose(resp)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func needRetry(method string, resp *http.Response, err error) bool {
	if err != nil {
		return isIdempotent(method) && isTemporary(err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return true
	case resp.StatusCode >= http.StatusInternalServerError:
		return isIdempotent(method)
	}
	return false
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isTemporary(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// parseRetryAfter supports both delay-seconds and HTTP-date forms.
func parseRetryAfter(val string) (time.Duration, bool) {
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(val)
	if err != nil {
		return 0, false
	}
	return max(time.Until(t), 0), true
}
