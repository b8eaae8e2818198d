/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient builds http.Client instances with retries, logging and User-Agent round trippers.
package httpclient

import (
	"net/http"
	"time"

	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/retry"
)

// DefaultTimeout is the overall timeout of a request including all retry attempts.
const DefaultTimeout = time.Minute

// Opts contains optional parameters for New.
type Opts struct {
	// UserAgent is set to requests that have no User-Agent header.
	UserAgent string
	// Logger logs requests at debug level and retries at warn level. Disabled if nil.
	Logger log.FieldLogger
	// Retries is the backoff policy of RetryableRoundTripper. Requests are not retried if nil.
	Retries retry.Policy
	// Timeout is http.Client.Timeout, DefaultTimeout if zero.
	Timeout time.Duration
	// Delegate is the underlying transport, a clone of http.DefaultTransport if nil.
	Delegate http.RoundTripper
}

// New creates an http.Client. Round trippers are chained as retries -> User-Agent -> logging -> Delegate,
// so every retry attempt is logged separately.
func New(opts Opts) *http.Client {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}
	delegate = NewLoggingRoundTripper(delegate, opts.Logger)
	if opts.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}
	if opts.Retries != nil {
		delegate = NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{
			Logger:        opts.Logger,
			BackoffPolicy: opts.Retries,
		})
	}
	return &http.Client{Transport: delegate, Timeout: opts.Timeout}
}
