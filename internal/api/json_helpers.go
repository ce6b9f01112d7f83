package api

import (
	"encoding/json"
	"net/http"
)

// Error categories reported in the error_type field.
const (
	errorTypeAuth       = "auth_error"
	errorTypeValidation = "validation_error"
	errorTypeConflict   = "conflict"
	errorTypeStream     = "stream_error"
	errorTypeServer     = "server_error"
)

type errorResponse struct {
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, errorResponse{ErrorType: errorType, Message: message})
}

// WriteError is an exported helper for returning JSON API errors from
// middleware outside this package.
func WriteError(w http.ResponseWriter, status int, errorType, message string) {
	writeError(w, status, errorType, message)
}

// NotFound answers unknown routes with the standard error body.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, errorTypeValidation, "route not found")
}

// MethodNotAllowed answers known routes called with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, errorTypeValidation, "method "+r.Method+" not allowed")
}
