package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/finsight/gateway/internal/observability"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     code,
		Message:   message,
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}

func writeRouteNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "route_not_found",
		"no service is registered for this path")
}

func writeServiceDisabled(w http.ResponseWriter, r *http.Request, service string) {
	writeError(w, r, http.StatusServiceUnavailable, "service_disabled",
		service+" is disabled")
}

func writeCircuitOpen(w http.ResponseWriter, r *http.Request, service string, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, r, http.StatusServiceUnavailable, "circuit_open",
		service+" is temporarily unavailable")
}

func writePoolExhausted(w http.ResponseWriter, r *http.Request, service string) {
	writeError(w, r, http.StatusServiceUnavailable, "pool_exhausted",
		"connection pool for "+service+" is exhausted")
}

func writeGatewayTimeout(w http.ResponseWriter, r *http.Request, service string) {
	writeError(w, r, http.StatusGatewayTimeout, "upstream_timeout",
		service+" did not respond in time")
}

func writeBadGateway(w http.ResponseWriter, r *http.Request, service string) {
	writeError(w, r, http.StatusBadGateway, "upstream_error",
		service+" failed to produce a response")
}
