/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/restapi"
)

// RecoveryDefaultStackSize defines the default size of stack part which will be logged.
const RecoveryDefaultStackSize = 8192

// RecoveryOpts represents an options for Recovery middleware.
type RecoveryOpts struct {
	StackSize int
}

// Recovery is a middleware that recovers from panics, logs the panic value and a stacktrace,
// and responds with 500 and the internal error in the body.
func Recovery(errDomain string) func(next http.Handler) http.Handler {
	return RecoveryWithOpts(errDomain, RecoveryOpts{StackSize: RecoveryDefaultStackSize})
}

// RecoveryWithOpts is a more configurable version of Recovery middleware.
func RecoveryWithOpts(errDomain string, opts RecoveryOpts) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				logger := GetLoggerFromContextOrDisabled(r.Context())
				if p == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					// http.Server doesn't log the stack for this sentinel, the panic goes on.
					logger.Warn("request has been aborted", log.Error(http.ErrAbortHandler))
					panic(p)
				}
				var logFields []log.Field
				if opts.StackSize > 0 {
					stack := make([]byte, opts.StackSize)
					stack = stack[:runtime.Stack(stack, false)]
					logFields = append(logFields, log.String("stack", string(stack)))
				}
				logger.Error(fmt.Sprintf("Panic: %+v", p), logFields...)
				restapi.RespondError(rw, http.StatusInternalServerError, restapi.NewInternalError(errDomain), logger)
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
