/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"time"

	"github.com/secureshare/secureshare/log"
)

// UserAgentRoundTripper sets the User-Agent header if the request has none.
type UserAgentRoundTripper struct {
	Delegate  http.RoundTripper
	UserAgent string
}

// NewUserAgentRoundTripper creates a new UserAgentRoundTripper.
func NewUserAgentRoundTripper(delegate http.RoundTripper, userAgent string) *UserAgentRoundTripper {
	return &UserAgentRoundTripper{Delegate: delegate, UserAgent: userAgent}
}

// RoundTrip implements http.RoundTripper.
func (rt *UserAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return rt.Delegate.RoundTrip(req)
	}
	req = req.Clone(req.Context()) // RoundTrip must not modify the request.
	req.Header.Set("User-Agent", rt.UserAgent)
	return rt.Delegate.RoundTrip(req)
}

// LoggingRoundTripper logs every outgoing request with its status and duration.
type LoggingRoundTripper struct {
	Delegate http.RoundTripper
	Logger   log.FieldLogger
}

// NewLoggingRoundTripper creates a new LoggingRoundTripper.
func NewLoggingRoundTripper(delegate http.RoundTripper, logger log.FieldLogger) *LoggingRoundTripper {
	return &LoggingRoundTripper{Delegate: delegate, Logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (rt *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(req)
	fields := []log.Field{
		log.String("method", req.Method),
		log.String("uri", req.URL.String()),
		log.DurationIn(time.Since(start), time.Millisecond),
	}
	if attempt := req.Header.Get(RetryAttemptNumberHeader); attempt != "" {
		fields = append(fields, log.String("retry_attempt", attempt))
	}
	if err != nil {
		rt.Logger.Warn("client HTTP request failed", append(fields, log.Error(err))...)
		return resp, err
	}
	rt.Logger.Debug("client HTTP request done", append(fields, log.Int("status", resp.StatusCode))...)
	return resp, nil
}
