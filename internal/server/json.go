package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is returned for rejected install callbacks. RequestID lets
// operators match a portal's failed install with the server log.
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Status is already sent, a failed encode can only be logged.
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "status", status, "error", err)
	}
}

// writeJSONError must run after RequestID so the id header is already set.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, errorBody{
		Error:     message,
		RequestID: w.Header().Get(RequestIDHeader),
	}, status)
}
