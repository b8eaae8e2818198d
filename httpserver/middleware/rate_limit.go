/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/ratelimit"
	"github.com/secureshare/secureshare/restapi"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimitStoreErrorPolicy defines what happens with a request when the limiter's store fails.
type RateLimitStoreErrorPolicy int

// Store error policies. The zero value is invalid, so every mounting has to choose one.
const (
	RateLimitStoreErrorPolicyUnset RateLimitStoreErrorPolicy = iota
	// RateLimitFailOpen serves the request as if it were allowed.
	RateLimitFailOpen
	// RateLimitFailClosed rejects the request with 503.
	RateLimitFailClosed
)

// ErrRateLimitStoreErrorPolicyRequired is returned by RateLimit when no store error policy is chosen.
var ErrRateLimitStoreErrorPolicyRequired = errors.New("rate limit store error policy must be set explicitly")

// RateLimitGetKeyFunc returns the identifier of the request.
// If bypass is true, the request is not limited at all.
type RateLimitGetKeyFunc func(r *http.Request) (identifier string, bypass bool, err error)

// GetRateLimitKeyByClientIP returns RateLimitGetKeyFunc identifying requests by the client IP.
func GetRateLimitKeyByClientIP(trustProxyHeaders bool) RateLimitGetKeyFunc {
	return func(r *http.Request) (string, bool, error) {
		return GetClientIP(r, trustProxyHeaders), false, nil
	}
}

// RateLimitOpts represents options for RateLimit middleware.
type RateLimitOpts struct {
	// GetKey identifies the request. The client IP (without proxy headers) is used by default.
	GetKey RateLimitGetKeyFunc
	// StoreErrorPolicy is required.
	StoreErrorPolicy RateLimitStoreErrorPolicy
	// DryRun makes the middleware only log and report exceeded limits, requests are still served.
	DryRun bool
	// Clock is used to compute Retry-After. ratelimit.SystemClock is used by default.
	Clock ratelimit.Clock
}

// RateLimit is a middleware that limits the rate of requests per identifier with the limiter and the policy.
// X-RateLimit-* headers are set on every checked response, denied requests get 429 and Retry-After.
func RateLimit(
	limiter ratelimit.Limiter, policy ratelimit.Policy, errDomain string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	switch opts.StoreErrorPolicy {
	case RateLimitFailOpen, RateLimitFailClosed:
	default:
		return nil, ErrRateLimitStoreErrorPolicyRequired
	}
	if opts.GetKey == nil {
		opts.GetKey = GetRateLimitKeyByClientIP(false)
	}
	if opts.Clock == nil {
		opts.Clock = ratelimit.SystemClock{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			logger := GetLoggerFromContextOrDisabled(r.Context())

			identifier, bypass, err := opts.GetKey(r)
			if err != nil {
				logger.Error("failed to get rate limit key", log.String("policy", policy.Name), log.Error(err))
				restapi.RespondInternalError(rw, errDomain, logger)
				return
			}
			if bypass {
				next.ServeHTTP(rw, r)
				return
			}

			res, err := limiter.Check(r.Context(), identifier, policy)
			if err != nil {
				if opts.StoreErrorPolicy == RateLimitFailOpen {
					logger.Warn("rate limit check failed, request is served",
						log.String("policy", policy.Name), log.Error(err))
					next.ServeHTTP(rw, r)
					return
				}
				logger.Error("rate limit check failed, request is rejected",
					log.String("policy", policy.Name), log.Error(err))
				apiErr := restapi.NewError(errDomain, restapi.ErrCodeUnavailable, restapi.ErrMessageUnavailable)
				restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
				return
			}

			SetRateLimitHeaders(rw.Header(), res)
			if res.Allowed {
				next.ServeHTTP(rw, r)
				return
			}

			if lp := GetLoggingParamsFromContext(r.Context()); lp != nil {
				lp.ExtendFields(log.String("rate_limit_policy", policy.Name), log.Bool("rate_limit_dry_run", opts.DryRun))
			}
			if opts.DryRun {
				logger.Warn(fmt.Sprintf("rate limit %q exceeded, request is served in dry run mode", policy.Name),
					log.String("rate_limit_key", policy.Key(identifier)))
				next.ServeHTTP(rw, r)
				return
			}

			rw.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(res, opts.Clock)))
			apiErr := restapi.NewError(errDomain, restapi.ErrCodeTooManyRequests, restapi.ErrMessageTooManyRequests).
				AddContext("policy", policy.Name)
			restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
		})
	}, nil
}

// SetRateLimitHeaders sets X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset (unix seconds).
func SetRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetTime.Unix(), 10))
}

func retryAfterSeconds(res ratelimit.Result, clock ratelimit.Clock) int {
	secs := int(math.Ceil(res.RetryAfter(clock.Now()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
