/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package profserver provides an HTTP server exposing pprof endpoints under /debug/pprof.
package profserver

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/service"
)

// ProfServer is a service.Unit serving pprof handlers.
type ProfServer struct {
	Address    string
	HTTPServer *http.Server
	Logger     log.FieldLogger

	port    atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

var _ service.Unit = (*ProfServer)(nil)

// New creates a new profiling server. It doesn't listen until Start is called.
func New(cfg *Config, logger log.FieldLogger) *ProfServer {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.LoggingWithOpts(logger, middleware.LoggingOpts{RequestStart: true}),
	)
	router.Mount("/debug", chimiddleware.Profiler())

	return &ProfServer{
		Address: cfg.Address,
		HTTPServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Logger: logger,
		done:   make(chan struct{}),
	}
}

// Port returns the TCP port the server listens on, or 0 before it starts listening.
func (s *ProfServer) Port() int {
	return int(s.port.Load())
}

// Start listens and serves in a blocking way. A listen or serve error is sent into fatalErr.
func (s *ProfServer) Start(fatalErr chan<- error) {
	s.started.Store(true)
	defer close(s.done)

	logger := s.Logger.With(log.String("address", s.Address))
	ln, err := net.Listen("tcp", s.Address)
	if err != nil {
		logger.Error("failed to listen for profiling HTTP server", log.Error(err))
		fatalErr <- err
		return
	}
	s.port.Store(int32(ln.Addr().(*net.TCPAddr).Port))

	logger.Info("starting profiling HTTP server", log.Int("port", s.Port()))
	if err = s.HTTPServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("profiling HTTP server error", log.Error(err))
		fatalErr <- err
		return
	}
	logger.Info("profiling HTTP server closed")
}

// Stop closes the server immediately. Open profiles are interrupted even if gracefully is true.
func (s *ProfServer) Stop(gracefully bool) error {
	s.Logger.Info("closing profiling HTTP server")
	if err := s.HTTPServer.Close(); err != nil {
		s.Logger.Error("profiling HTTP server closing error", log.Error(err))
		return err
	}
	if s.started.Load() {
		<-s.done
	}
	return nil
}
