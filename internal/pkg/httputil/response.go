package httputil

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Stable error codes returned to clients. The browser client switches
// on these, so they never change once shipped.
const (
	CodeUnsupportedFileType  = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge         = "FILE_TOO_LARGE"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeJobNotFound          = "JOB_NOT_FOUND"
	CodeTaskNotFound         = "TASK_NOT_FOUND"
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeNetworkError         = "NETWORK_ERROR"
)

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[httputil] JSON encode error: %v", err)
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes a 201 response with the given data.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{
		StatusCode: status,
		ErrorCode:  code,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// ErrorWithDetails writes the error envelope with an attached details payload.
func ErrorWithDetails(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorResponse{
		StatusCode: status,
		ErrorCode:  code,
		Message:    message,
		Details:    details,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// BadRequest writes a 400 error with the given code.
func BadRequest(w http.ResponseWriter, code, message string) {
	Error(w, http.StatusBadRequest, code, message)
}

// NotFound writes a 404 error with the given code.
func NotFound(w http.ResponseWriter, code, message string) {
	Error(w, http.StatusNotFound, code, message)
}

// InternalError writes a 500 error. Logs the real error but returns a
// generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, err error) {
	log.Printf("[httputil] internal error: %v", err)
	Error(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
}

// Decode reads JSON from the request body into dst.
// Returns false and writes a 400 response if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, CodeValidationFailed, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
