package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Public error messages. Causes are logged, never returned to clients.
const (
	msgDatabase       = "Database error"
	msgPump           = "Failed to control pump"
	msgInternalServer = "Internal Server Error"
	msgUnavailable    = "Service Unavailable"
)

// HTTPError is an error with a status code and a client-facing message
type HTTPError struct {
	cause   error
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.cause
}

func newHTTPError(code int, message string, cause error) *HTTPError {
	return &HTTPError{cause: cause, Code: code, Message: message}
}

// ValidationError reports malformed request input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func errValidation(field, reason string) *HTTPError {
	v := &ValidationError{Field: field, Reason: reason}
	return newHTTPError(http.StatusBadRequest, v.Error(), v)
}

func errDatabase(cause error) *HTTPError {
	return newHTTPError(http.StatusInternalServerError, msgDatabase, cause)
}

func errPump(cause error) *HTTPError {
	return newHTTPError(http.StatusInternalServerError, msgPump, cause)
}

func errUnavailable(cause error) *HTTPError {
	return newHTTPError(http.StatusServiceUnavailable, msgUnavailable, cause)
}

// statusFor resolves the status code and public message for any error
func statusFor(err error) (int, string) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, httpErr.Message
	}
	return http.StatusInternalServerError, msgInternalServer
}
