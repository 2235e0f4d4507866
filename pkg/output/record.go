// Package output provides JSONL output for grading runs.
//
// Output is structured as typed record envelopes containing attempt
// state transitions, outcomes, rollouts, and batch summaries. Each line
// is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: webgrade.<type>.v<version>
const (
	// TypeTransition identifies attempt state transition records.
	TypeTransition = "webgrade.transition.v1"

	// TypeOutcome identifies final per-attempt outcome records.
	TypeOutcome = "webgrade.outcome.v1"

	// TypeRollout identifies raw request records (instruction + model response).
	TypeRollout = "webgrade.rollout.v1"

	// TypeError identifies error records.
	TypeError = "webgrade.error.v1"

	// TypeSummary identifies final batch summary records.
	TypeSummary = "webgrade.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "webgrade.outcome.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record of one grading run.
	RunID string `json:"run_id"`

	// Rank is the worker rank that produced the record.
	Rank int `json:"rank"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// TransitionRecord is emitted each time an attempt enters a new state.
type TransitionRecord struct {
	RequestID string `json:"request_id"`
	Workspace string `json:"workspace,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`

	// Detail carries state-specific context such as the leased port.
	Detail map[string]any `json:"detail,omitempty"`
}

// OutcomeRecord is the final result of one grading attempt.
type OutcomeRecord struct {
	RequestID       string   `json:"request_id"`
	Workspace       string   `json:"workspace,omitempty"`
	FormatCompliant bool     `json:"format_compliant"`
	State           string   `json:"state"`
	Code            string   `json:"code"`
	Error           string   `json:"error,omitempty"`
	Port            int      `json:"port,omitempty"`
	Score           float64  `json:"score"`
	JudgeText       string   `json:"judge_text,omitempty"`
	Screenshots     []string `json:"screenshots,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// RolloutRecord captures the raw request being graded.
type RolloutRecord struct {
	ProblemID     string `json:"problem_id"`
	Instruction   string `json:"instruction"`
	ModelResponse string `json:"model_response"`
}

// ErrorRecord is emitted when a request cannot be graded at all, for
// example when its response file is unreadable.
type ErrorRecord struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SummaryRecord closes a batch run.
type SummaryRecord struct {
	Requests   int64   `json:"requests"`
	Graded     int64   `json:"graded"`
	Failed     int64   `json:"failed"`
	MeanScore  float64 `json:"mean_score"`
	DurationMs int64   `json:"duration_ms"`

	// Codes counts outcomes by classification code.
	Codes map[string]int64 `json:"codes,omitempty"`
}

// Error codes used in ErrorRecord.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeReadFailed     = "READ_FAILED"
	ErrCodeInternal       = "INTERNAL"
)

// Common errors returned by the output package.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("output writer is closed")
)

// WriteError wraps an underlying write or marshal failure.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
