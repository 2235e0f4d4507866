package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxDatasetLine bounds one JSONL row; model responses can be large.
const maxDatasetLine = 64 << 20

// ErrDuplicateID is returned when two requests share an id.
var ErrDuplicateID = errors.New("duplicate request id")

// Request is a resolved request with its response text loaded.
type Request struct {
	ID          string
	Instruction string
	Response    string
}

// datasetRow is one rollout record. Both the rollout field names and the
// plain request names are accepted.
type datasetRow struct {
	ProblemID     string `json:"problem_id"`
	ID            string `json:"id"`
	Instruction   string `json:"instruction"`
	ModelResponse string `json:"model_response"`
	Response      string `json:"response"`
}

// Resolve loads every request: inline ones first, then dataset rows. Paths
// are relative to the manifest's directory.
func (m *Manifest) Resolve() ([]Request, error) {
	seen := make(map[string]bool)
	var out []Request
	add := func(r Request) error {
		if seen[r.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = true
		out = append(out, r)
		return nil
	}

	for i, spec := range m.Requests {
		resp := spec.Response
		if spec.ResponseFile != "" {
			data, err := os.ReadFile(m.resolvePath(spec.ResponseFile))
			if err != nil {
				return nil, fmt.Errorf("requests[%d] (%s): read response file: %w", i, spec.ID, err)
			}
			resp = string(data)
		}
		if err := add(Request{ID: spec.ID, Instruction: spec.Instruction, Response: resp}); err != nil {
			return nil, err
		}
	}

	if m.Dataset != nil {
		rows, err := ReadDataset(m.resolvePath(m.Dataset.Path), m.Dataset.Limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if err := add(r); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (m *Manifest) resolvePath(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// ReadDataset reads up to limit rollout rows from a JSONL file (0 = all).
// Blank lines are skipped. Rows without an id are numbered by line.
func ReadDataset(path string, limit int) ([]Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxDatasetLine)

	var out []Request
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row datasetRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("dataset %s:%d: %w", filepath.Base(path), line, err)
		}
		out = append(out, row.request(line))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return out, nil
}

func (r datasetRow) request(line int) Request {
	id := r.ProblemID
	if id == "" {
		id = r.ID
	}
	if id == "" {
		id = fmt.Sprintf("line-%d", line)
	}
	resp := r.ModelResponse
	if resp == "" {
		resp = r.Response
	}
	return Request{ID: id, Instruction: r.Instruction, Response: resp}
}
