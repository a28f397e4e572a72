package httpapi

import (
	"encoding/json"
	"net/http"

	"foundrygate/internal/chat"
	"foundrygate/internal/foundry"
	"foundrygate/internal/residency"
	"foundrygate/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// mapError translates orchestration failures to HTTP status codes. A model
// missing from the cache is the caller's mistake; a convergence ceiling is
// the engine lagging; a command failure is the control plane misbehaving.
func mapError(err error) int {
	switch {
	case chat.IsNotCached(err):
		return http.StatusBadRequest
	case residency.IsConvergenceTimeout(err):
		return http.StatusGatewayTimeout
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	if _, ok := foundry.AsCommandError(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
