// Package api implements the HTTP surface: health probes, the authenticated
// v1 routes and the middleware stack in front of them.
package api

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the client-facing error envelope.
type ErrorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, reason string) {
	WriteJSON(w, status, ErrorResponse{Error: true, Reason: reason})
}
