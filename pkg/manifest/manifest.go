// Package manifest provides loading and validation of webgrade batch manifests.
//
// A batch manifest is a YAML or JSON file listing model responses to grade,
// either inline, as files next to the manifest, or as a JSONL dataset of
// rollout records.
//
// Manifests are validated against an embedded JSON Schema before use. The
// schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	run_id: nightly-0412
//	requests:
//	  - id: bakery
//	    instruction: A landing page for a bakery
//	    response_file: responses/bakery.txt
//	dataset:
//	  path: rollouts.jsonl
//	grading:
//	  concurrency: 4
//	  timeout: 10m
//	output:
//	  destination: file:/tmp/grades.jsonl
package manifest

import "time"

// Manifest represents a validated batch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// RunID labels every recorded result. Generated when empty.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	// Requests are graded in order of submission.
	Requests []RequestSpec `json:"requests,omitempty" yaml:"requests,omitempty"`

	// Dataset adds requests from a JSONL rollout file.
	Dataset *DatasetConfig `json:"dataset,omitempty" yaml:"dataset,omitempty"`

	Grading GradingConfig `json:"grading,omitempty" yaml:"grading,omitempty"`
	Output  OutputConfig  `json:"output,omitempty" yaml:"output,omitempty"`

	// dir is the manifest's directory; relative paths resolve against it.
	dir string
}

// RequestSpec is one response to grade. Exactly one of Response and
// ResponseFile is set.
type RequestSpec struct {
	ID           string `json:"id" yaml:"id"`
	Instruction  string `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Response     string `json:"response,omitempty" yaml:"response,omitempty"`
	ResponseFile string `json:"response_file,omitempty" yaml:"response_file,omitempty"`
}

// DatasetConfig points at a JSONL file of rollout records.
type DatasetConfig struct {
	Path string `json:"path" yaml:"path"`

	// Limit caps the number of rows read. 0 reads all rows.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// GradingConfig configures the worker pool.
type GradingConfig struct {
	// Concurrency is the number of attempts graded at once.
	// Range: 1-64. Default: 4.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Timeout bounds each attempt, as a Go duration ("90s", "10m").
	// Empty means no per-attempt bound.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OutputConfig configures where outcome records go.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/output.jsonl".
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultConcurrency is the default number of concurrent attempts.
	DefaultConcurrency = 4

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Grading.Concurrency == 0 {
		m.Grading.Concurrency = DefaultConcurrency
	}
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
}

// AttemptTimeout parses Grading.Timeout. Zero means unbounded.
func (g GradingConfig) AttemptTimeout() (time.Duration, error) {
	if g.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(g.Timeout)
}

// Dir returns the directory relative paths resolve against.
func (m *Manifest) Dir() string {
	return m.dir
}
