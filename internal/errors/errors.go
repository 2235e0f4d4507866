// Package errors defines the application error type shared by the HTTP
// server and the CLI, and renders it as a JSON error body.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeRequestTooLarge    = "REQUEST_TOO_LARGE"
)

// AppError is an error with a stable code and an HTTP status.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// New returns an AppError.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// NewValidationError reports bad client input.
func NewValidationError(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

// NewServiceUnavailableError reports a dependency that is not ready.
func NewServiceUnavailableError(message string) *AppError {
	return New(CodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewExternalServiceError reports a failing external dependency.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, message, http.StatusBadGateway)
}

// WrapInternal wraps err as an internal error, carrying the request id from
// ctx when there is one.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// As returns the AppError in err's chain, or an internal error wrapping err.
func As(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	return &AppError{Code: CodeInternal, Message: "internal error", Status: http.StatusInternalServerError, Err: err}
}

type requestIDKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
