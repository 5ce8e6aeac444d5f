package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/pkg/logger"
)

const RequestIDKey contextKey = "request_id"

// RequestID tags each request with an id, echoes it in X-Request-ID and
// attaches a request-scoped logger carrying it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		ctx = logger.WithFields(ctx, map[string]string{"request_id": requestID})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
