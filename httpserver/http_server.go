/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpserver provides the HTTP server unit with the default middleware chain
// (request ids, logging, panic recovery, metrics, limits) and /healthz and /metrics endpoints.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/service"
)

const (
	networkTCP  = "tcp"
	networkUnix = "unix"
)

// systemEndpoints are not involved in request metrics and concurrency limiting.
var systemEndpoints = []string{"/metrics", "/healthz"}

// APIVersion is a type alias for API version.
type APIVersion = int

// APIRoute is a type alias for single API route.
type APIRoute = func(router chi.Router)

// Opts represents options for creating HTTPServer.
type Opts struct {
	// ServiceNameInURL is a prefix for API routes ("/api/<ServiceNameInURL>/v1").
	ServiceNameInURL string
	APIRoutes        map[APIVersion]APIRoute
	RootMiddlewares  []func(http.Handler) http.Handler
	// ErrorDomain is used in error responses.
	ErrorDomain        string
	HealthCheck        HealthCheck
	MetricsHandler     http.Handler
	HTTPRequestMetrics middleware.HTTPRequestPrometheusMetricsOpts
	// Listener is used instead of listening on the configured address (tests).
	Listener net.Listener
}

// HTTPServer represents a wrapper around http.Server with additional fields and methods.
// It implements service.Unit and service.MetricsRegisterer interfaces.
type HTTPServer struct {
	URL             string
	HTTPServer      *http.Server
	HTTPRouter      chi.Router
	UnixSocketPath  string
	TLS             TLSConfig
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	listener    net.Listener
	port        atomic.Int32
	serveDone   atomic.Value
	httpMetrics *middleware.HTTPRequestPrometheusMetrics
}

var _ service.Unit = (*HTTPServer)(nil)
var _ service.MetricsRegisterer = (*HTTPServer)(nil)

// New creates a new HTTPServer with the default middlewares and routes.
func New(cfg *Config, logger log.FieldLogger, opts Opts) *HTTPServer { //nolint:gocritic // hugeParam
	httpMetrics := middleware.NewHTTPRequestPrometheusMetricsWithOpts(opts.HTTPRequestMetrics)
	router := chi.NewRouter()
	applyDefaultMiddlewaresToRouter(router, cfg, logger, opts.ErrorDomain, httpMetrics)
	configureRouter(router, logger, RouterOpts{
		ServiceNameInURL: opts.ServiceNameInURL,
		APIRoutes:        opts.APIRoutes,
		RootMiddlewares:  opts.RootMiddlewares,
		ErrorDomain:      opts.ErrorDomain,
		HealthCheck:      opts.HealthCheck,
		MetricsHandler:   opts.MetricsHandler,
	})

	scheme := "http://"
	if cfg.TLS.Enabled {
		scheme = "https://"
	}
	host := cfg.Address
	if cfg.UnixSocketPath != "" {
		host = "localhost" // not used for dialing in the unix socket case
	}

	return &HTTPServer{
		URL: scheme + host,
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			WriteTimeout:      cfg.Timeouts.Write,
			ReadTimeout:       cfg.Timeouts.Read,
			ReadHeaderTimeout: cfg.Timeouts.ReadHeader,
			IdleTimeout:       cfg.Timeouts.Idle,
		},
		HTTPRouter:      router,
		UnixSocketPath:  cfg.UnixSocketPath,
		TLS:             cfg.TLS,
		Logger:          logger,
		ShutdownTimeout: cfg.Timeouts.Shutdown,
		listener:        opts.Listener,
		httpMetrics:     httpMetrics,
	}
}

// Start starts application HTTP server in a blocking way.
// It's supposed that this method will be called in a separate goroutine.
// If a fatal error occurs, it will be sent to the fatalError channel.
func (s *HTTPServer) Start(fatalError chan<- error) {
	done := make(chan struct{})
	defer close(done)
	s.serveDone.Store(done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	if err := s.listen(logger); err != nil {
		logger.Error("application HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	logger.Info("application HTTP server started", log.Int("port", s.GetPort()))

	var err error
	if s.TLS.Enabled {
		err = s.HTTPServer.ServeTLS(s.listener, s.TLS.Certificate, s.TLS.Key)
	} else {
		err = s.HTTPServer.Serve(s.listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("application HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	logger.Info("application HTTP server closed")
}

func (s *HTTPServer) listen(logger log.FieldLogger) error {
	if s.listener == nil {
		network, addr := s.NetworkAndAddr()
		if network == networkUnix {
			logger.Info("removing stale unix socket file", log.String("unix_socket_path", addr))
			if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove unix socket file %q: %w", addr, err)
			}
		}
		listener, err := net.Listen(network, addr)
		if err != nil {
			return err
		}
		s.listener = listener
	}
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(tcpAddr.Port)) //nolint:gosec // port fits into int32
	}
	return nil
}

// Stop stops application HTTP server (gracefully or not).
func (s *HTTPServer) Stop(gracefully bool) error {
	defer s.waitServeDone()

	if !gracefully {
		s.Logger.Info("closing application HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("application HTTP server closing error", log.Error(err))
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	s.Logger.Info("shutting down application HTTP server...", log.Duration("timeout", s.ShutdownTimeout))
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("application HTTP server shutting down error", log.Error(err))
		return err
	}
	s.Logger.Info("application HTTP server shut down")
	return nil
}

func (s *HTTPServer) waitServeDone() {
	if done, ok := s.serveDone.Load().(chan struct{}); ok && done != nil {
		<-done
	}
}

// MustRegisterMetrics registers metrics in Prometheus client and panics if any error occurs.
func (s *HTTPServer) MustRegisterMetrics() {
	s.httpMetrics.MustRegister()
}

// UnregisterMetrics unregisters metrics in Prometheus client.
func (s *HTTPServer) UnregisterMetrics() {
	s.httpMetrics.Unregister()
}

// NetworkAndAddr returns network type ("tcp" or "unix") and address (path to unix socket in case of "unix" network).
func (s *HTTPServer) NetworkAndAddr() (network string, addr string) {
	if s.UnixSocketPath != "" {
		return networkUnix, s.UnixSocketPath
	}
	return networkTCP, s.HTTPServer.Addr
}

// GetPort returns the TCP port the server listens on, or zero before it starts listening.
func (s *HTTPServer) GetPort() int {
	return int(s.port.Load())
}
