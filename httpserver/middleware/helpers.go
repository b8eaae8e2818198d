/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// RoutePatternGetterFunc is a function for getting route pattern from the request. Used in multiple middlewares.
type RoutePatternGetterFunc func(r *http.Request) string

// wrapResponseWriterIfNeeded wraps an http.ResponseWriter (if it is not already wrapped),
// so the status code and the number of written bytes can be read after the handler is done.
func wrapResponseWriterIfNeeded(rw http.ResponseWriter, protoMajor int) chimw.WrapResponseWriter {
	if wrw, ok := rw.(chimw.WrapResponseWriter); ok {
		return wrw
	}
	return chimw.NewWrapResponseWriter(rw, protoMajor)
}

// responseStatus returns the written status code. Handlers that never call WriteHeader respond with 200.
func responseStatus(wrw chimw.WrapResponseWriter) int {
	if status := wrw.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}

// getOriginAddr returns the client address reported by a proxy in X-Forwarded-For or X-Real-IP.
func getOriginAddr(r *http.Request) string {
	if forwardFor := r.Header.Get(headerForwardedFor); forwardFor != "" {
		if first := strings.IndexByte(forwardFor, ','); first != -1 {
			forwardFor = forwardFor[:first]
		}
		return strings.TrimSpace(forwardFor)
	}
	return strings.TrimSpace(r.Header.Get(headerRealIP))
}

// GetClientIP returns the IP address of the client.
// Proxy headers are taken into account only if trustProxyHeaders is true.
func GetClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if originAddr := getOriginAddr(r); originAddr != "" {
			return originAddr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
