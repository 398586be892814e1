// Package response provides the JSON error envelope and write helpers used
// by every HTTP handler.
package response

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorBody is the envelope for every JSON error response.
type ErrorBody struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// APIError carries an HTTP status alongside the envelope fields.
type APIError struct {
	StatusCode int
	Name       string
	Code       string
	Message    string
	Details    map[string]string
}

func (e *APIError) Error() string {
	return e.Message
}

// WithMessage returns a copy with a specific message.
func (e *APIError) WithMessage(msg string) *APIError {
	clone := *e
	clone.Message = msg
	return &clone
}

// WithDetails returns a copy with a detail attached.
func (e *APIError) WithDetails(key, value string) *APIError {
	clone := *e
	clone.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

var (
	ErrBadRequest = &APIError{
		StatusCode: http.StatusBadRequest,
		Name:       "validation_error",
		Code:       "VALIDATION_ERROR",
		Message:    "Invalid request",
	}
	ErrUnauthorized = &APIError{
		StatusCode: http.StatusUnauthorized,
		Name:       "unauthenticated",
		Code:       "UNAUTHENTICATED",
		Message:    "Authentication required",
	}
	ErrForbidden = &APIError{
		StatusCode: http.StatusForbidden,
		Name:       "unauthorized",
		Code:       "FORBIDDEN",
		Message:    "Access denied",
	}
	ErrNotFound = &APIError{
		StatusCode: http.StatusNotFound,
		Name:       "not_found",
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
	}
	ErrConflict = &APIError{
		StatusCode: http.StatusConflict,
		Name:       "conflict",
		Code:       "VERSION_CONFLICT",
		Message:    "Resource version conflict",
	}
	ErrRateLimited = &APIError{
		StatusCode: http.StatusTooManyRequests,
		Name:       "rate_limited",
		Code:       "RATE_LIMITED",
		Message:    "Too many requests",
	}
	ErrInternal = &APIError{
		StatusCode: http.StatusInternalServerError,
		Name:       "internal_error",
		Code:       "INTERNAL_ERROR",
		Message:    "Internal server error",
	}
	ErrUnavailable = &APIError{
		StatusCode: http.StatusServiceUnavailable,
		Name:       "transient",
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "Service temporarily unavailable",
	}
)

// JSON writes a JSON response with the given status.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// Error writes an error envelope. Unknown error types are rendered as 500.
func Error(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = ErrInternal
	}
	JSON(w, apiErr.StatusCode, ErrorBody{
		Error:     apiErr.Name,
		Message:   apiErr.Message,
		Code:      apiErr.Code,
		Details:   apiErr.Details,
		Timestamp: time.Now().UTC(),
	})
}
