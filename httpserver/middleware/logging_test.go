/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/log/logtest"
)

func TestLogging(t *testing.T) {
	const body = "body-content"

	newRequest := func(path string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("User-Agent", "secureshare-cli")
		req.Header.Set("X-Client-Version", "1.2.0")
		ctx := NewContextWithInternalRequestID(NewContextWithRequestID(req.Context(), "ext-id"), "int-id")
		return req.WithContext(ctx)
	}

	t.Run("response is logged", func(t *testing.T) {
		logger := logtest.NewRecorder()
		var ctxLogger log.FieldLogger
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctxLogger = GetLoggerFromContext(r.Context())
			GetLoggingParamsFromContext(r.Context()).ExtendFields(log.String("job_id", "42"))
			rw.WriteHeader(http.StatusCreated)
			_, _ = rw.Write([]byte("created"))
		})
		handler := LoggingWithOpts(logger, LoggingOpts{
			RequestStart:   true,
			RequestHeaders: map[string]string{"X-Client-Version": "req_header_x_client_version"},
		})(next)
		handler.ServeHTTP(httptest.NewRecorder(), newRequest("/api/secureshare/v1/jobs"))

		require.NotNil(t, ctxLogger)
		_, found := logger.FindEntry("request started")
		require.True(t, found)

		entries := logger.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
			return strings.HasPrefix(e.Text, "response completed in ")
		})
		require.Len(t, entries, 1)
		entry := entries[0]
		require.Equal(t, log.LevelInfo, entry.Level)
		requireLogFieldString(t, entry, "request_id", "ext-id")
		requireLogFieldString(t, entry, "int_request_id", "int-id")
		requireLogFieldString(t, entry, "method", http.MethodPost)
		requireLogFieldString(t, entry, "uri", "/api/secureshare/v1/jobs")
		requireLogFieldString(t, entry, "user_agent", "secureshare-cli")
		requireLogFieldString(t, entry, "req_header_x_client_version", "1.2.0")
		requireLogFieldString(t, entry, "job_id", "42")
		requireLogFieldInt(t, entry, "content_length", len(body))
		requireLogFieldInt(t, entry, "status", http.StatusCreated)
		requireLogFieldInt(t, entry, "bytes_sent", len("created"))
	})

	t.Run("excluded endpoint is logged only on error", func(t *testing.T) {
		logger := logtest.NewRecorder()
		status := http.StatusOK
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { rw.WriteHeader(status) })
		handler := LoggingWithOpts(logger, LoggingOpts{ExcludedEndpoints: []string{"/healthz"}})(next)

		handler.ServeHTTP(httptest.NewRecorder(), newRequest("/healthz"))
		require.Empty(t, logger.Entries())

		status = http.StatusServiceUnavailable
		handler.ServeHTTP(httptest.NewRecorder(), newRequest("/healthz"))
		require.Len(t, logger.Entries(), 1)
	})

	t.Run("secret query params are hidden", func(t *testing.T) {
		logger := logtest.NewRecorder()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {})
		handler := LoggingWithOpts(logger, LoggingOpts{SecretQueryParams: []string{"token"}})(next)
		handler.ServeHTTP(httptest.NewRecorder(), newRequest("/share?token=abc&file=1"))

		entries := logger.Entries()
		require.Len(t, entries, 1)
		requireLogFieldString(t, entries[0], "uri", "/share?file=1&token="+LoggingSecretQueryPlaceholder)
		requireLogFieldInt(t, entries[0], "status", http.StatusOK)
	})
}
