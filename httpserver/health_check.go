/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/restapi"
)

// StatusClientClosedRequest is a special HTTP status code used by Nginx to show that the client
// closed the request before the server could send a response
const StatusClientClosedRequest = 499

// HealthCheckStatus is a resulting status of the health-check.
type HealthCheckStatus int

// Health-check statuses.
const (
	HealthCheckStatusOK HealthCheckStatus = iota
	HealthCheckStatusFail
)

// HealthCheckResult maps component names (e.g. "jobQueue", "rateLimitStore") to their statuses.
type HealthCheckResult = map[string]HealthCheckStatus

// HealthCheck returns statuses of service's components.
type HealthCheck = func(ctx context.Context) (HealthCheckResult, error)

type healthCheckResponseData struct {
	Components map[string]bool `json:"components"`
}

// HealthCheckHandler implements http.Handler and does health-check of a service.
type HealthCheckHandler struct {
	healthCheckFn HealthCheck
}

// NewHealthCheckHandler creates a new http.Handler for doing health-check.
// It responds with 503 if any component fails.
func NewHealthCheckHandler(fn HealthCheck) *HealthCheckHandler {
	if fn == nil {
		fn = func(ctx context.Context) (HealthCheckResult, error) {
			return HealthCheckResult{}, ctx.Err()
		}
	}
	return &HealthCheckHandler{fn}
}

// ServeHTTP serves heath-check HTTP request.
func (h *HealthCheckHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())
	hcResult, err := h.healthCheckFn(r.Context())
	if err == nil {
		err = r.Context().Err()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			rw.WriteHeader(StatusClientClosedRequest)
			return
		}
		if logger != nil {
			logger.Error("error while checking health", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	respData := healthCheckResponseData{Components: make(map[string]bool, len(hcResult))}
	var failed []string
	for name, status := range hcResult {
		respData.Components[name] = status == HealthCheckStatusOK
		if status != HealthCheckStatusOK {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		restapi.RespondJSON(rw, respData, logger)
		return
	}
	if logger != nil {
		sort.Strings(failed)
		logger.Warn("health check failed", log.Strings("components", failed))
	}
	restapi.RespondCodeAndJSON(rw, http.StatusServiceUnavailable, respData, logger)
}
