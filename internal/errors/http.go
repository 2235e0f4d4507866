package errors

import (
	"context"
	"encoding/json"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPErrorResponse is the JSON body of every error response:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the payload of HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// NewEnvelope builds an error envelope correlated with the request id in
// ctx, if any.
func NewEnvelope(ctx context.Context, code, message string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if id := RequestIDFromContext(ctx); id != "" {
		env = env.WithCorrelationID(id)
	}
	return env
}

// WithDetails attaches details as envelope context. Details that the
// envelope rejects are dropped.
func WithDetails(env *gferrors.ErrorEnvelope, details map[string]any) *gferrors.ErrorEnvelope {
	if len(details) == 0 {
		return env
	}
	if withCtx, err := env.WithContext(details); err == nil && withCtx != nil {
		return withCtx
	}
	return env
}

// WriteError writes env as a JSON error body with status.
func WriteError(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	body := HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// RespondWithError renders err. Errors that are not an *AppError become a
// 500 with a generic message; their text is not sent to the client.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := As(err)
	status := app.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	env := WithDetails(NewEnvelope(r.Context(), app.Code, app.Message), app.Details)
	WriteError(w, env, status)
}
