package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
)

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteError writes a standardized JSON error response. An empty traceID is
// replaced by a fresh one so the log line and the response can be matched.
func WriteError(w http.ResponseWriter, statusCode int, code, message, traceID string) {
	WriteErrorDetails(w, statusCode, code, message, traceID, nil)
}

func WriteErrorDetails(w http.ResponseWriter, statusCode int, code, message, traceID string, details map[string]string) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if statusCode >= http.StatusInternalServerError {
		log.Printf("[%s] %s: %s", traceID, code, message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
		Details: details,
	})
}

// WriteSuccess writes data as the JSON body.
func WriteSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Decode reads a JSON request body, answering 400 itself on failure.
func Decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", "")
		return false
	}
	return true
}
