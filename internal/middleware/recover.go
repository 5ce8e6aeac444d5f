package middleware

import (
	"expvar"
	"net/http"
	"runtime/debug"

	"github.com/vksha/carnival-api/internal/pkg/logger"
	"github.com/vksha/carnival-api/internal/pkg/response"
)

var panicsTotal = expvar.NewInt("http_panics_total")

// Recover turns a handler panic into a logged 500 envelope.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				panicsTotal.Add(1)
				logger.FromContext(r.Context()).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				response.InternalError(w)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
