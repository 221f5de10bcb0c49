// Package handlers provides HTTP request handlers for the portwatch status
// API. This file contains the response helpers shared by every handler.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/anstrom/portwatch/internal/api/middleware"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ListResponse wraps collection responses with their size.
type ListResponse struct {
	Data  interface{} `json:"data"`
	Count int         `json:"count"`
}

// getRequestIDFromContext extracts request ID from context.
func getRequestIDFromContext(ctx context.Context) string {
	return middleware.GetRequestID(ctx)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent
		slog.Error("Failed to encode JSON response",
			"request_id", getRequestIDFromContext(r.Context()),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: getRequestIDFromContext(r.Context()),
	}

	writeJSON(w, r, statusCode, response)
}

// writeList writes a collection response.
func writeList(w http.ResponseWriter, r *http.Request, data interface{}, count int) {
	writeJSON(w, r, http.StatusOK, ListResponse{Data: data, Count: count})
}

// NotFound answers unmatched routes in the API's error format.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusNotFound, ErrorResponse{
		Error:     http.StatusText(http.StatusNotFound),
		Message:   "no route for " + r.Method + " " + r.URL.Path,
		Timestamp: time.Now().UTC(),
		RequestID: getRequestIDFromContext(r.Context()),
	})
}
