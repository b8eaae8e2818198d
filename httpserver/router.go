/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/restapi"
)

// RouterOpts represents options for creating chi.Router.
type RouterOpts struct {
	ServiceNameInURL string
	APIRoutes        map[APIVersion]APIRoute
	RootMiddlewares  []func(http.Handler) http.Handler
	ErrorDomain      string
	HealthCheck      HealthCheck
	MetricsHandler   http.Handler
}

// NewRouter creates a new chi.Router and performs its basic configuration.
func NewRouter(logger log.FieldLogger, opts RouterOpts) chi.Router {
	router := chi.NewRouter()
	configureRouter(router, logger, opts)
	return router
}

func configureRouter(router chi.Router, logger log.FieldLogger, opts RouterOpts) {
	router.Use(opts.RootMiddlewares...)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)
	router.Method(http.MethodGet, "/healthz", NewHealthCheckHandler(opts.HealthCheck))

	if len(opts.APIRoutes) != 0 {
		router.Route(fmt.Sprintf("/api/%s", opts.ServiceNameInURL), func(router chi.Router) {
			for ver, r := range opts.APIRoutes {
				router.Route(fmt.Sprintf("/v%d", ver), r)
			}
		})
	}

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, middleware.GetLoggerFromContext(r.Context()))
	})
	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, middleware.GetLoggerFromContext(r.Context()))
	})
}

func applyDefaultMiddlewaresToRouter(
	router chi.Router, cfg *Config, logger log.FieldLogger, errDomain string, promMetrics *middleware.HTTPRequestPrometheusMetrics,
) {
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(rw, r.WithContext(middleware.NewContextWithRequestStartTime(r.Context(), time.Now())))
		})
	})

	router.Use(middleware.RequestID())

	loggingOpts := middleware.LoggingOpts{
		RequestStart:           cfg.Log.RequestStart,
		RequestHeaders:         make(map[string]string, len(cfg.Log.RequestHeaders)),
		ExcludedEndpoints:      cfg.Log.ExcludedEndpoints,
		SecretQueryParams:      cfg.Log.SecretQueryParams,
		AddRequestInfoToLogger: cfg.Log.AddRequestInfoToLogger,
		SlowRequestThreshold:   cfg.Log.SlowRequestThreshold,
	}
	for _, headerName := range cfg.Log.RequestHeaders {
		loggingOpts.RequestHeaders[headerName] = "req_header_" + strings.ToLower(strings.ReplaceAll(headerName, "-", "_"))
	}
	router.Use(middleware.LoggingWithOpts(logger, loggingOpts))

	router.Use(middleware.Recovery(errDomain))

	router.Use(middleware.HTTPRequestMetricsWithOpts(promMetrics, GetChiRoutePattern,
		middleware.HTTPRequestMetricsOpts{ExcludedEndpoints: systemEndpoints}))

	if cfg.Limits.MaxRequests > 0 {
		throttle := chimw.Throttle(cfg.Limits.MaxRequests)
		router.Use(func(next http.Handler) http.Handler {
			throttled := throttle(next)
			return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				if isSystemEndpoint(r.URL.Path) {
					next.ServeHTTP(rw, r)
					return
				}
				throttled.ServeHTTP(rw, r)
			})
		})
	}

	if cfg.Limits.MaxBodySize > 0 {
		router.Use(middleware.RequestBodyLimit(cfg.Limits.MaxBodySize, errDomain))
	}
}

func isSystemEndpoint(path string) bool {
	for _, endpoint := range systemEndpoints {
		if path == endpoint {
			return true
		}
	}
	return false
}

// GetChiRoutePattern extracts chi route pattern from request.
func GetChiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	routePath := r.URL.RawPath
	if routePath == "" {
		routePath = r.URL.Path
	}
	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, routePath) {
		return ""
	}
	return tctx.RoutePattern()
}
