package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 2)

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
	assert.Equal(t, 2, w.rank)
}

func TestJSONLWriter_WriteOutcome(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 1)
	w.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	out := &OutcomeRecord{
		RequestID:       "req-1",
		Workspace:       "rank1_pid42_req-1_abcd1234",
		FormatCompliant: true,
		State:           "cleanup",
		Code:            "OK",
		Port:            35001,
		Score:           4,
		JudgeText:       "Grade: 4",
		Screenshots:     []string{"shots/shot_1.png"},
	}
	require.NoError(t, w.WriteOutcome(context.Background(), out))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, TypeOutcome, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, 1, record.Rank)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), record.TS)

	var got OutcomeRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, 35001, got.Port)
	assert.Equal(t, 4.0, got.Score)
	assert.Equal(t, []string{"shots/shot_1.png"}, got.Screenshots)
}

func TestJSONLWriter_WriteTransition(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 0)

	err := w.WriteTransition(context.Background(), &TransitionRecord{
		RequestID: "req-1",
		From:      "installed",
		To:        "port_leased",
		Detail:    map[string]any{"port": 30001},
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeTransition, record.Type)

	var got map[string]any
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, "port_leased", got["to"])
	assert.Equal(t, float64(30001), got["detail"].(map[string]any)["port"])
}

func TestJSONLWriter_WriteRollout(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 0)

	require.NoError(t, w.WriteRollout(context.Background(), &RolloutRecord{
		ProblemID:     "p-7",
		Instruction:   "build a page",
		ModelResponse: "<webArtifact id=\"x\">",
	}))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeRollout, record.Type)
	assert.JSONEq(t,
		`{"problem_id":"p-7","instruction":"build a page","model_response":"<webArtifact id=\"x\">"}`,
		string(record.Data))
}

func TestJSONLWriter_WriteSummaryAndError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 0)
	ctx := context.Background()

	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodeReadFailed, Message: "missing", RequestID: "r"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		Requests:  2,
		Graded:    1,
		Failed:    1,
		MeanScore: 2.5,
		Codes:     map[string]int64{"OK": 1},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, TypeError, first.Type)
	assert.Equal(t, TypeSummary, second.Type)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 0)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	err := w.WriteOutcome(context.Background(), &OutcomeRecord{RequestID: "r"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestOpenFile_AppendsAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rollouts.jsonl")

	for i := 0; i < 2; i++ {
		w, err := OpenFile(path, "run", 0)
		require.NoError(t, err)
		require.NoError(t, w.WriteRollout(context.Background(), &RolloutRecord{ProblemID: "p"}))
		require.NoError(t, w.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 0)

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteTransition(context.Background(), &TransitionRecord{
					RequestID: "req",
					To:        "started",
					Detail:    map[string]any{"n": writerID*writesPerWriter + j},
				})
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteOutcome(ctx, &OutcomeRecord{RequestID: "r"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", 0)

	err := w.WriteOutcome(context.Background(), &OutcomeRecord{RequestID: "r"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", 0)

	err := w.WriteOutcome(context.Background(), &OutcomeRecord{RequestID: "req-1", Code: "OK", Score: 5})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeOutcome, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123", 0)

	err := w.WriteOutcome(context.Background(), &OutcomeRecord{RequestID: "r"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestOutcomeRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(OutcomeRecord{RequestID: "r", Code: "NO_ARTIFACT"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "judge_text")
	assert.NotContains(t, string(data), "screenshots")
	assert.NotContains(t, string(data), `"error"`)
	assert.Contains(t, string(data), `"score":0`)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Discard.WriteOutcome(ctx, &OutcomeRecord{}))
	assert.NoError(t, Discard.Close())
}

func BenchmarkJSONLWriter_WriteOutcome(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", 0)
	out := &OutcomeRecord{RequestID: "req-1", Code: "OK", Score: 3, JudgeText: "Grade: 3"}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteOutcome(ctx, out)
	}
}
