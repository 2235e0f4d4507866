package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	minimalYAML = `version: "1.0"
requests:
  - id: bakery
    instruction: A bakery landing page
    response: "<webArtifact id=\"a\" title=\"b\"></webArtifact>"
`

	minimalJSON = `{
  "version": "1.0",
  "requests": [
    {"id": "bakery", "response": "hello"}
  ]
}`

	withSchemaYAML = `$schema: https://schemas.3leaps.dev/webgrade/v1.0.0/batch-manifest.schema.json
version: "1.0"
dataset:
  path: rollouts.jsonl
`

	// Every optional field set.
	fullYAML = `version: "1.0"
run_id: nightly
requests:
  - id: one
    instruction: first
    response: inline text
  - id: two
    response_file: responses/two.txt
dataset:
  path: rollouts.jsonl
  limit: 10
grading:
  concurrency: 8
  timeout: 90s
output:
  destination: file:/tmp/grades.jsonl
`
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  minimalYAML,
			filename: "manifest.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				require.Len(t, m.Requests, 1)
				assert.Equal(t, "bakery", m.Requests[0].ID)
				assert.Equal(t, "A bakery landing page", m.Requests[0].Instruction)
				assert.Equal(t, DefaultConcurrency, m.Grading.Concurrency)
				assert.Equal(t, DefaultDestination, m.Output.Destination)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  minimalJSON,
			filename: "manifest.json",
			validate: func(t *testing.T, m *Manifest) {
				require.Len(t, m.Requests, 1)
				assert.Equal(t, "hello", m.Requests[0].Response)
			},
		},
		{
			name:     "dataset only with $schema field",
			content:  withSchemaYAML,
			filename: "with-schema.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "https://schemas.3leaps.dev/webgrade/v1.0.0/batch-manifest.schema.json", m.Schema)
				require.NotNil(t, m.Dataset)
				assert.Equal(t, "rollouts.jsonl", m.Dataset.Path)
			},
		},
		{
			name:     "full manifest with all options",
			content:  fullYAML,
			filename: "full.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "nightly", m.RunID)
				require.Len(t, m.Requests, 2)
				assert.Equal(t, "responses/two.txt", m.Requests[1].ResponseFile)
				assert.Equal(t, 10, m.Dataset.Limit)
				assert.Equal(t, 8, m.Grading.Concurrency)
				d, err := m.Grading.AttemptTimeout()
				require.NoError(t, err)
				assert.Equal(t, 90*time.Second, d)
				assert.Equal(t, "file:/tmp/grades.jsonl", m.Output.Destination)
			},
		},
		{
			name:     "yml extension works",
			content:  minimalYAML,
			filename: "manifest.yml",
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name: "missing version",
			content: `requests:
  - id: a
    response: x
`,
			filename:    "no-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "wrong version",
			content: `version: "2.0"
requests:
  - id: a
    response: x
`,
			filename:    "wrong-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name:     "no requests and no dataset",
			content:  `version: "1.0"` + "\n",
			filename: "nothing.yaml",
			wantErr:  true,
		},
		{
			name: "empty requests array",
			content: `version: "1.0"
requests: []
`,
			filename:    "empty-requests.yaml",
			wantErr:     true,
			errContains: "requests",
		},
		{
			name: "request missing id",
			content: `version: "1.0"
requests:
  - response: x
`,
			filename:    "no-id.yaml",
			wantErr:     true,
			errContains: "id",
		},
		{
			name: "request with both response and response_file",
			content: `version: "1.0"
requests:
  - id: a
    response: x
    response_file: a.txt
`,
			filename:    "both.yaml",
			wantErr:     true,
			errContains: "requests",
		},
		{
			name: "concurrency too high",
			content: `version: "1.0"
requests:
  - id: a
    response: x
grading:
  concurrency: 100
`,
			filename:    "high-concurrency.yaml",
			wantErr:     true,
			errContains: "concurrency",
		},
		{
			name: "concurrency too low",
			content: `version: "1.0"
requests:
  - id: a
    response: x
grading:
  concurrency: 0
`,
			filename:    "zero-concurrency.yaml",
			wantErr:     true,
			errContains: "concurrency",
		},
		{
			name: "bad timeout",
			content: `version: "1.0"
requests:
  - id: a
    response: x
grading:
  timeout: soon
`,
			filename:    "bad-timeout.yaml",
			wantErr:     true,
			errContains: "timeout",
		},
		{
			name: "bad destination",
			content: `version: "1.0"
requests:
  - id: a
    response: x
output:
  destination: s3://bucket/out.jsonl
`,
			filename:    "bad-dest.yaml",
			wantErr:     true,
			errContains: "destination",
		},
		{
			name: "unknown field rejected",
			content: `version: "1.0"
requests:
  - id: a
    response: x
    unknown_field: value
`,
			filename:    "unknown-field.yaml",
			wantErr:     true,
			errContains: "additional",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, tt.filename)
			err := os.WriteFile(path, []byte(tt.content), 0o644)
			require.NoError(t, err)

			m, err := Load(path)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains),
						"error should contain %q", tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, tmpDir, m.Dir())

			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "manifest not found"), err.Error())

	if os.Getuid() == 0 {
		return // root reads mode-000 files
	}
	locked := filepath.Join(t.TempDir(), "locked.yaml")
	require.NoError(t, os.WriteFile(locked, []byte(minimalYAML), 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o644) })
	_, err = Load(locked)
	assert.ErrorContains(t, err, "permission denied")
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("YAML by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(minimalYAML), "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "bakery", m.Requests[0].ID)
	})

	t.Run("auto-detect JSON", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(minimalJSON), "")
		require.NoError(t, err)
		assert.Equal(t, "bakery", m.Requests[0].ID)
		assert.Equal(t, ".", m.Dir())
	})

	t.Run("unknown extension tries both", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(minimalYAML), "test.txt")
		require.NoError(t, err)
		assert.Equal(t, "bakery", m.Requests[0].ID)
	})
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(minimalYAML), "test.yaml")
	require.NoError(t, err)
	assert.Equal(t, "bakery", m.Requests[0].ID)
}

func TestApplyDefaults(t *testing.T) {
	t.Run("applies all defaults", func(t *testing.T) {
		m := &Manifest{Version: "1.0"}
		m.ApplyDefaults()

		assert.Equal(t, DefaultConcurrency, m.Grading.Concurrency)
		assert.Equal(t, DefaultDestination, m.Output.Destination)
	})

	t.Run("preserves explicit values", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Grading: GradingConfig{Concurrency: 2},
			Output:  OutputConfig{Destination: "file:/tmp/out.jsonl"},
		}
		m.ApplyDefaults()

		assert.Equal(t, 2, m.Grading.Concurrency)
		assert.Equal(t, "file:/tmp/out.jsonl", m.Output.Destination)
	})
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "responses"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "responses", "two.txt"), []byte("from file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rollouts.jsonl"), []byte(
		`{"problem_id": "r1", "instruction": "i1", "model_response": "m1"}`+"\n"+
			"\n"+
			`{"id": "r2", "response": "m2"}`+"\n"+
			`{"model_response": "m3"}`+"\n"), 0o644))

	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullYAML), 0o644))

	m, err := Load(path)
	require.NoError(t, err)

	reqs, err := m.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []Request{
		{ID: "one", Instruction: "first", Response: "inline text"},
		{ID: "two", Response: "from file"},
		{ID: "r1", Instruction: "i1", Response: "m1"},
		{ID: "r2", Response: "m2"},
		{ID: "line-4", Response: "m3"},
	}, reqs)
}

func TestResolve_Errors(t *testing.T) {
	t.Run("missing response file", func(t *testing.T) {
		m := &Manifest{dir: t.TempDir(), Requests: []RequestSpec{{ID: "a", ResponseFile: "gone.txt"}}}
		_, err := m.Resolve()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gone.txt")
	})

	t.Run("duplicate id", func(t *testing.T) {
		m := &Manifest{Requests: []RequestSpec{{ID: "a", Response: "x"}, {ID: "a", Response: "y"}}}
		_, err := m.Resolve()
		assert.ErrorIs(t, err, ErrDuplicateID)
	})

	t.Run("bad dataset row", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "d.jsonl"), []byte("{not json}\n"), 0o644))
		m := &Manifest{dir: dir, Dataset: &DatasetConfig{Path: "d.jsonl"}}
		_, err := m.Resolve()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "d.jsonl:1")
	})
}

func TestReadDataset_Limit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.jsonl")
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString(`{"response": "x"}` + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	rows, err := ReadDataset(path, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "line-2", rows[1].ID)
}

func TestValidationErrorText(t *testing.T) {
	two := ValidationErrors{
		{Path: "/version", Message: "required"},
		{Path: "/requests/0/id", Message: "must not be empty"},
	}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"pointer and message", ValidationError{Path: "/grading/timeout", Message: "bad duration"}, "/grading/timeout: bad duration"},
		{"root", ValidationError{Message: "not an object"}, "not an object"},
		{"single list entry", ValidationErrors{{Message: "not an object"}}, "not an object"},
		{"empty list", ValidationErrors{}, ErrValidationFailed.Error()},
		{"many", two, "manifest validation failed with 2 errors:\n  - /version: required\n  - /requests/0/id: must not be empty"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.err.Error())
		})
	}
	assert.ErrorIs(t, two, ErrValidationFailed)
}

func TestValidate(t *testing.T) {
	t.Run("valid manifest passes", func(t *testing.T) {
		m := &Manifest{
			Version:  "1.0",
			Requests: []RequestSpec{{ID: "a", Response: "x"}},
		}
		assert.NoError(t, Validate(m))
	})

	t.Run("invalid manifest fails", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Output:  OutputConfig{Destination: "ftp://nowhere"},
			Dataset: &DatasetConfig{Path: "d.jsonl"},
		}
		err := Validate(m)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidationFailed)
	})
}

func TestValidate_EmbeddedSchema(t *testing.T) {
	originalDir, err := os.Getwd()
	require.NoError(t, err)

	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		_ = os.Chdir(originalDir)
	})

	m := &Manifest{
		Version:  "1.0",
		Requests: []RequestSpec{{ID: "a", ResponseFile: "a.txt"}},
	}
	assert.NoError(t, Validate(m), "validation should work from any directory using embedded schema")
}
