/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/secureshare/secureshare/log"
)

// LoggingSecretQueryPlaceholder replaces values of secret query parameters in logs.
const LoggingSecretQueryPlaceholder = "_HIDDEN_"

// DefaultSlowRequestThreshold is the duration after which time slots of the request are logged.
const DefaultSlowRequestThreshold = time.Second

// LoggingOpts represents an options for Logging middleware.
type LoggingOpts struct {
	RequestStart      bool
	RequestHeaders    map[string]string // header name -> log field key
	ExcludedEndpoints []string
	SecretQueryParams []string
	// AddRequestInfoToLogger makes the logger put into the context carry the request fields too.
	AddRequestInfoToLogger bool
	SlowRequestThreshold   time.Duration
}

// Logging is a middleware that logs info about HTTP request and response.
// Also, it puts logger (with external and internal request's ids in fields) into request's context.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{})
}

// LoggingWithOpts is a more configurable version of Logging middleware.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	if opts.SlowRequestThreshold == 0 {
		opts.SlowRequestThreshold = DefaultSlowRequestThreshold
	}
	excluded := make(map[string]struct{}, len(opts.ExcludedEndpoints))
	for _, endpoint := range opts.ExcludedEndpoints {
		excluded[endpoint] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			startTime := GetRequestStartTimeFromContext(ctx)
			if startTime.IsZero() {
				startTime = time.Now()
				ctx = NewContextWithRequestStartTime(ctx, startTime)
			}

			loggerForNext := logger.With(
				log.String("request_id", GetRequestIDFromContext(ctx)),
				log.String("int_request_id", GetInternalRequestIDFromContext(ctx)),
			)
			reqFields := []log.Field{
				log.String("method", r.Method),
				log.String("uri", makeURIToLog(r, opts.SecretQueryParams)),
				log.String("remote_addr", r.RemoteAddr),
				log.String("client_ip", GetClientIP(r, false)),
				log.Int64("content_length", r.ContentLength),
				log.String("user_agent", r.UserAgent()),
			}
			if originAddr := getOriginAddr(r); originAddr != "" {
				reqFields = append(reqFields, log.String("origin_addr", originAddr))
			}
			for headerName, logKey := range opts.RequestHeaders {
				reqFields = append(reqFields, log.String(logKey, r.Header.Get(headerName)))
			}
			reqLogger := loggerForNext.With(reqFields...)
			if opts.AddRequestInfoToLogger {
				loggerForNext = reqLogger
			}

			_, noLog := excluded[r.URL.Path]
			if opts.RequestStart && !noLog {
				reqLogger.Info("request started")
			}

			lp := &LoggingParams{}
			r = r.WithContext(NewContextWithLoggingParams(NewContextWithLogger(ctx, loggerForNext), lp))
			wrw := wrapResponseWriterIfNeeded(rw, r.ProtoMajor)
			next.ServeHTTP(wrw, r)

			status := responseStatus(wrw)
			if noLog && status < http.StatusBadRequest {
				return
			}
			duration := time.Since(startTime)
			reqLogger.Info(fmt.Sprintf("response completed in %.3fs", duration.Seconds()),
				append([]log.Field{
					log.Int64("duration_ms", duration.Milliseconds()),
					log.Int("status", status),
					log.Int("bytes_sent", wrw.BytesWritten()),
				}, lp.collectFields(duration >= opts.SlowRequestThreshold)...)...,
			)
		})
	}
}

func makeURIToLog(r *http.Request, secretQueryParams []string) string {
	if len(secretQueryParams) == 0 || r.URL.RawQuery == "" {
		return r.RequestURI
	}
	queryValues := r.URL.Query()
	for _, k := range secretQueryParams {
		vals := queryValues[k]
		for i := range vals {
			if vals[i] != "" {
				vals[i] = LoggingSecretQueryPlaceholder
			}
		}
	}
	return r.URL.Path + "?" + queryValues.Encode()
}
