/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"time"

	"github.com/secureshare/secureshare/log"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyInternalRequestID
	ctxKeyLogger
	ctxKeyLoggingParams
	ctxKeyRequestStartTime
)

// valueFromContext returns the zero value of T if key is absent.
func valueFromContext[T any](ctx context.Context, key ctxKey) T {
	v, _ := ctx.Value(key).(T)
	return v
}

// NewContextWithRequestID stores the request ID received from (or returned to) the client.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

func GetRequestIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyRequestID)
}

// NewContextWithInternalRequestID stores the ID generated for every request regardless of client headers.
func NewContextWithInternalRequestID(ctx context.Context, internalRequestID string) context.Context {
	return context.WithValue(ctx, ctxKeyInternalRequestID, internalRequestID)
}

func GetInternalRequestIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyInternalRequestID)
}

// NewContextWithLogger stores the request-scoped logger set by the Logging middleware.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext returns nil if there is no logger.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	return valueFromContext[log.FieldLogger](ctx, ctxKeyLogger)
}

// GetLoggerFromContextOrDisabled never returns nil.
func GetLoggerFromContextOrDisabled(ctx context.Context) log.FieldLogger {
	if logger := GetLoggerFromContext(ctx); logger != nil {
		return logger
	}
	return log.NewDisabledLogger()
}

func NewContextWithLoggingParams(ctx context.Context, loggingParams *LoggingParams) context.Context {
	return context.WithValue(ctx, ctxKeyLoggingParams, loggingParams)
}

// GetLoggingParamsFromContext returns nil outside of the Logging middleware.
func GetLoggingParamsFromContext(ctx context.Context) *LoggingParams {
	return valueFromContext[*LoggingParams](ctx, ctxKeyLoggingParams)
}

// NewContextWithRequestStartTime stores the time the first middleware saw the request,
// so logging and metrics report the same duration.
func NewContextWithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyRequestStartTime, startTime)
}

func GetRequestStartTimeFromContext(ctx context.Context) time.Time {
	return valueFromContext[time.Time](ctx, ctxKeyRequestStartTime)
}
