package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the flat error payload returned by the webhook surface.
type ErrorBody struct {
	Error string `json:"error"`
}

// FailureBody is the error payload of operator endpoints.
type FailureBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders {"error": message}.
func JSONError(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message})
}

// JSONFailure renders {"success": false, "error": message}.
func JSONFailure(w http.ResponseWriter, status int, message string) {
	JSON(w, status, FailureBody{Error: message})
}

// WriteFailure renders err as a FailureBody using the status of an AppError.
// Any other error becomes a 500 without leaking its text.
func WriteFailure(w http.ResponseWriter, err error) {
	if appErr, ok := AsAppError(err); ok && appErr.Status != 0 {
		JSONFailure(w, appErr.Status, appErr.Message)
		return
	}
	JSONFailure(w, http.StatusInternalServerError, "internal error")
}
