/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/restapi"
)

// RequestBodyLimit is a middleware that sets the maximum allowed size for a request body.
// Requests declaring a bigger Content-Length are rejected at once, others fail while the body is read.
func RequestBodyLimit(maxSize config.ByteSize, errDomain string) func(next http.Handler) http.Handler {
	maxSizeBytes := uint64(maxSize)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && uint64(r.ContentLength) > maxSizeBytes {
				reqErr := restapi.NewTooLargeMalformedRequestError(maxSizeBytes)
				restapi.RespondMalformedRequestError(rw, errDomain, reqErr, GetLoggerFromContext(r.Context()))
				return
			}
			restapi.SetRequestMaxBodySize(rw, r, maxSizeBytes)
			next.ServeHTTP(rw, r)
		})
	}
}
