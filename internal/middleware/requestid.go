package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/finsight/gateway/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// RequestID attaches a request ID to the context and response. An
// inbound X-Request-ID is trusted so IDs stay stable across hops.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			ctx := observability.ContextWithRequestID(r.Context(), id)
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
