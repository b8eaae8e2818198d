/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/log/logtest"
	"github.com/secureshare/secureshare/restapi"
	"github.com/secureshare/secureshare/testutil"
)

const testErrDomain = "SecureShare"

func newTestServer(t *testing.T, cfg *Config, opts Opts) *HTTPServer {
	t.Helper()
	opts.ErrorDomain = testErrDomain
	opts.ServiceNameInURL = "secureshare"
	srv := New(cfg, logtest.NewLogger(), opts)
	srv.MustRegisterMetrics()
	t.Cleanup(srv.UnregisterMetrics)
	return srv
}

func TestHTTPServer_StartStop(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Address = testutil.GetLocalAddrWithFreeTCPPort()
	srv := newTestServer(t, cfg, Opts{
		APIRoutes: map[APIVersion]APIRoute{1: func(router chi.Router) {
			router.Get("/ping", func(rw http.ResponseWriter, r *http.Request) {
				restapi.RespondJSON(rw, map[string]string{"pong": chi.RouteContext(r.Context()).RoutePattern()}, nil)
			})
		}},
	})

	fatalErr := make(chan error, 1)
	go srv.Start(fatalErr)
	port, err := testutil.WaitPortAndListeningServer("127.0.0.1", srv.GetPort, 3*time.Second)
	require.NoError(t, err)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	resp, err := http.Get(baseURL + "/api/secureshare/v1/ping")
	require.NoError(t, err)
	var pong map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pong))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/api/secureshare/v1/ping", pong["pong"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(baseURL + "/api/secureshare/v1/unknown")
	require.NoError(t, err)
	testutil.RequireErrorInResponse(t, resp, http.StatusNotFound, testErrDomain, restapi.ErrCodeNotFound)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(true))
	testutil.RequireNoErrorInChannel(t, fatalErr)
}

func TestHTTPServer_StartFails(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Address = "256.0.0.1:80"
	srv := newTestServer(t, cfg, Opts{})
	fatalErr := make(chan error, 1)
	srv.Start(fatalErr)
	testutil.RequireErrorInChannel(t, fatalErr, time.Second)
}

func TestHTTPServer_Limits(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Limits.MaxBodySize = 8
	srv := newTestServer(t, cfg, Opts{
		APIRoutes: map[APIVersion]APIRoute{1: func(router chi.Router) {
			router.Post("/echo", func(rw http.ResponseWriter, r *http.Request) {
				var data interface{}
				if err := restapi.DecodeRequestJSON(r, &data); err != nil {
					restapi.RespondMalformedRequestOrInternalError(rw, testErrDomain, err, nil)
					return
				}
				restapi.RespondJSON(rw, data, nil)
			})
		}},
	})

	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/secureshare/v1/echo", strings.NewReader(`{"a":"0123456789"}`))
	srv.HTTPRouter.ServeHTTP(resp, req)
	testutil.RequireErrorInRecorder(t, resp, http.StatusRequestEntityTooLarge, testErrDomain, "requestEntityTooLarge")

	resp = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/secureshare/v1/echo", strings.NewReader(`[1]`))
	srv.HTTPRouter.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/secureshare/v1/echo", nil)
	srv.HTTPRouter.ServeHTTP(resp, req)
	testutil.RequireErrorInRecorder(t, resp, http.StatusMethodNotAllowed, testErrDomain, restapi.ErrCodeMethodNotAllowed)
}

func TestHealthCheckHandler(t *testing.T) {
	tests := []struct {
		name       string
		fn         HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no components",
			wantStatus: http.StatusOK,
			wantBody:   `{"components":{}}`,
		},
		{
			name: "all healthy",
			fn: func(ctx context.Context) (HealthCheckResult, error) {
				return HealthCheckResult{"jobQueue": HealthCheckStatusOK}, nil
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"components":{"jobQueue":true}}`,
		},
		{
			name: "unhealthy component",
			fn: func(ctx context.Context) (HealthCheckResult, error) {
				return HealthCheckResult{"jobQueue": HealthCheckStatusOK, "rateLimitStore": HealthCheckStatusFail}, nil
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"components":{"jobQueue":true,"rateLimitStore":false}}`,
		},
		{
			name: "error",
			fn: func(ctx context.Context) (HealthCheckResult, error) {
				return nil, fmt.Errorf("internal error")
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "canceled",
			fn: func(ctx context.Context) (HealthCheckResult, error) {
				return nil, context.Canceled
			},
			wantStatus: StatusClientClosedRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := httptest.NewRecorder()
			NewHealthCheckHandler(tt.fn).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			require.Equal(t, tt.wantStatus, resp.Code)
			if tt.wantBody != "" {
				require.JSONEq(t, tt.wantBody, resp.Body.String())
			}
		})
	}
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := NewConfig()
		require.NoError(t, config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(``), config.DataTypeYAML, cfg))
		want := NewDefaultConfig()
		require.Equal(t, want.Address, cfg.Address)
		require.Equal(t, want.Timeouts, cfg.Timeouts)
		require.Equal(t, want.Limits, cfg.Limits)
		require.Equal(t, want.Log.SlowRequestThreshold, cfg.Log.SlowRequestThreshold)
		require.Equal(t, []string{"/healthz", "/metrics"}, cfg.Log.ExcludedEndpoints)
		require.False(t, cfg.TLS.Enabled)
	})

	t.Run("custom values", func(t *testing.T) {
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(`
server:
  address: 127.0.0.1:9090
  timeouts:
    write: 30s
    shutdown: 10s
  limits:
    maxRequests: 100
    maxBodySize: 10M
  log:
    requestHeaders: [X-Client-Version]
`), config.DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:9090", cfg.Address)
		require.Equal(t, 30*time.Second, cfg.Timeouts.Write)
		require.Equal(t, 10*time.Second, cfg.Timeouts.Shutdown)
		require.Equal(t, 100, cfg.Limits.MaxRequests)
		require.Equal(t, config.ByteSize(10*1024*1024), cfg.Limits.MaxBodySize)
		require.Equal(t, []string{"X-Client-Version"}, cfg.Log.RequestHeaders)
	})

	t.Run("errors", func(t *testing.T) {
		for _, data := range []string{
			"server:\n  address: ''",
			"server:\n  tls:\n    enabled: true",
			"server:\n  limits:\n    maxRequests: -1",
			"server:\n  limits:\n    maxBodySize: lots",
			"server:\n  timeouts:\n    idle: -1s",
		} {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(data), config.DataTypeYAML, cfg)
			require.Error(t, err, data)
		}
	})
}
