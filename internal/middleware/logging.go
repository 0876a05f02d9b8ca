package middleware

import (
	"net/http"
	"time"

	"github.com/finsight/gateway/internal/observability"
)

// AccessLog writes one structured line per request.
func AccessLog(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			logger.Info("request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.Int("status", rec.status),
				observability.Int64("bytes", rec.bytes),
				observability.Duration("elapsed", time.Since(start)),
				observability.String("remote", r.RemoteAddr),
				observability.String("requestId", observability.RequestIDFromContext(r.Context())),
			)
		})
	}
}
