/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/rs/xid"
)

const (
	headerRequestID         = "X-Request-ID"
	headerInternalRequestID = "X-Int-Request-ID"
)

// RequestIDOpts represents an options for RequestID middleware.
type RequestIDOpts struct {
	GenerateID         func() string
	GenerateInternalID func() string
}

func newID() string {
	return xid.New().String()
}

// RequestID is a middleware that takes the external request id from the X-Request-ID header
// (or generates one when it's missing) and always generates an internal request id.
// Both ids are put into the request context and echoed in the X-Request-ID and X-Int-Request-ID response headers.
func RequestID() func(next http.Handler) http.Handler {
	return RequestIDWithOpts(RequestIDOpts{})
}

// RequestIDWithOpts is a more configurable version of RequestID middleware.
func RequestIDWithOpts(opts RequestIDOpts) func(next http.Handler) http.Handler {
	if opts.GenerateID == nil {
		opts.GenerateID = newID
	}
	if opts.GenerateInternalID == nil {
		opts.GenerateInternalID = newID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = opts.GenerateID()
			}
			internalRequestID := opts.GenerateInternalID()
			rw.Header().Set(headerRequestID, requestID)
			rw.Header().Set(headerInternalRequestID, internalRequestID)

			ctx := NewContextWithInternalRequestID(NewContextWithRequestID(r.Context(), requestID), internalRequestID)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}
