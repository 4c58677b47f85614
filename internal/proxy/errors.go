package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrServiceNotPermitted indicates the service is outside the execution's allow-list
	ErrServiceNotPermitted = errors.New("service not permitted")

	// ErrServiceUnavailable indicates the backend did not answer in time or could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrRateLimited indicates the execution exceeded its request budget
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownExecution indicates the grant token is unknown or revoked
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrNoServices indicates a grant was requested with an empty allow-list
	ErrNoServices = errors.New("no services to grant")

	// ErrNoEndpoint indicates the execution was started without a gateway
	ErrNoEndpoint = errors.New("no service proxy endpoint configured")
)

// Error codes carried in the "error" field of error responses
const (
	CodeServiceNotPermitted = "service_not_permitted"
	CodeServiceUnavailable  = "service_unavailable"
	CodeRateLimited         = "rate_limited"
	CodeUnknownExecution    = "unknown_execution"
	CodeInvalidRequest      = "invalid_request"
)

// ErrorResponse is the body of every error the gateway itself produces
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
