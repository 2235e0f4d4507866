package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/3leaps/webgrade/internal/errors"
	"github.com/3leaps/webgrade/pkg/formatcheck"
	"github.com/3leaps/webgrade/pkg/pipeline"
)

// DefaultMaxBodyBytes caps a grading request body.
const DefaultMaxBodyBytes = 8 << 20

// Grader runs one grading attempt.
type Grader interface {
	GradeDetailed(ctx context.Context, req pipeline.Request) *pipeline.Outcome
}

// GradeRequest is the body of POST /v1/grade.
type GradeRequest struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	Response    string `json:"response"`
}

// GradeResponse is returned for every completed attempt, including failed
// ones; the score is then 0 and code says why.
type GradeResponse struct {
	RequestID       string  `json:"request_id"`
	Score           float64 `json:"score"`
	Code            string  `json:"code"`
	State           string  `json:"state"`
	FormatCompliant bool    `json:"format_compliant"`
	Port            int     `json:"port,omitempty"`
	JudgeText       string  `json:"judge_text,omitempty"`
	Error           string  `json:"error,omitempty"`
	ArchiveURI      string  `json:"archive_uri,omitempty"`
	DurationMs      int64   `json:"duration_ms"`
}

// GradeHandler serves POST /v1/grade. Attempts run synchronously; Slots
// bounds how many run at once.
type GradeHandler struct {
	Grader       Grader
	Slots        chan struct{}
	MaxBodyBytes int64
}

// NewGradeHandler returns a handler allowing workers concurrent attempts.
func NewGradeHandler(g Grader, workers int) *GradeHandler {
	if workers < 1 {
		workers = 1
	}
	return &GradeHandler{
		Grader:       g,
		Slots:        make(chan struct{}, workers),
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

func (h *GradeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Grader == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("grading is not configured"))
		return
	}

	var req GradeRequest
	if err := decodeBody(w, r, h.MaxBodyBytes, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		respondWithError(w, r, apperrors.NewValidationError("response is required").
			WithDetails(map[string]any{"field": "response"}))
		return
	}

	select {
	case h.Slots <- struct{}{}:
		defer func() { <-h.Slots }()
	case <-r.Context().Done():
		respondWithError(w, r, apperrors.NewServiceUnavailableError("request canceled while waiting for a grading slot"))
		return
	}

	out := h.Grader.GradeDetailed(r.Context(), pipeline.Request{
		ID:          req.ID,
		Instruction: req.Instruction,
		Response:    req.Response,
	})
	writeJSON(w, http.StatusOK, GradeResponse{
		RequestID:       out.RequestID,
		Score:           out.Score,
		Code:            out.Code,
		State:           string(out.State),
		FormatCompliant: out.FormatCompliant,
		Port:            out.Port,
		JudgeText:       out.JudgeText,
		Error:           out.Error,
		ArchiveURI:      out.ArchiveURI,
		DurationMs:      out.EndedAt.Sub(out.StartedAt).Milliseconds(),
	})
}

// ValidateRequest is the body of POST /v1/validate.
type ValidateRequest struct {
	Response string `json:"response"`
}

// ValidateResponse reports the strict format check.
type ValidateResponse struct {
	Score     float64  `json:"score"`
	Compliant bool     `json:"compliant"`
	Failures  []string `json:"failures,omitempty"`
}

// ValidateHandler serves POST /v1/validate.
func ValidateHandler(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeBody(w, r, DefaultMaxBodyBytes, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	report := formatcheck.Check(req.Response)
	writeJSON(w, http.StatusOK, ValidateResponse{
		Score:     report.Score(),
		Compliant: report.Compliant,
		Failures:  report.Failures,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.New(apperrors.CodeRequestTooLarge, "request body too large", http.StatusRequestEntityTooLarge)
		}
		e := apperrors.NewValidationError("invalid JSON body")
		e.Err = err
		return e.WithDetails(map[string]any{"reason": err.Error()})
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
