package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer outputs JSONL records for a grading run.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteTransition(ctx context.Context, tr *TransitionRecord) error
	WriteOutcome(ctx context.Context, out *OutcomeRecord) error
	WriteRollout(ctx context.Context, ro *RolloutRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w     io.Writer
	runID string
	rank  int
	mu    sync.Mutex

	// owned is closed by Close when the writer opened the file itself.
	owned io.Closer

	closed bool
	now    func() time.Time
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - runID: Correlation ID for this grading run
//   - rank: Worker rank stamped on every record
func NewJSONLWriter(w io.Writer, runID string, rank int) *JSONLWriter {
	return &JSONLWriter{
		w:     w,
		runID: runID,
		rank:  rank,
		now:   time.Now,
	}
}

// OpenFile opens path for appending (creating parent directories) and
// returns a writer that closes the file on Close.
func OpenFile(path, runID string, rank int) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	jw := NewJSONLWriter(f, runID, rank)
	jw.owned = f
	return jw, nil
}

// WriteTransition emits a state transition record.
func (jw *JSONLWriter) WriteTransition(ctx context.Context, tr *TransitionRecord) error {
	return jw.writeRecord(ctx, TypeTransition, tr)
}

// WriteOutcome emits an outcome record.
func (jw *JSONLWriter) WriteOutcome(ctx context.Context, out *OutcomeRecord) error {
	return jw.writeRecord(ctx, TypeOutcome, out)
}

// WriteRollout emits a rollout record.
func (jw *JSONLWriter) WriteRollout(ctx context.Context, ro *RolloutRecord) error {
	return jw.writeRecord(ctx, TypeRollout, ro)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// The underlying writer is closed only when it was opened by OpenFile;
// otherwise the caller remains responsible for it.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return nil
	}
	jw.closed = true
	if jw.owned != nil {
		return jw.owned.Close()
	}
	return nil
}

// writeRecord marshals data and writes a complete record line while
// holding the mutex, so concurrent records never interleave.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		RunID: jw.runID,
		Rank:  jw.rank,
		Data:  dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteTransition(context.Context, *TransitionRecord) error { return nil }
func (discard) WriteOutcome(context.Context, *OutcomeRecord) error       { return nil }
func (discard) WriteRollout(context.Context, *RolloutRecord) error       { return nil }
func (discard) WriteError(context.Context, *ErrorRecord) error           { return nil }
func (discard) WriteSummary(context.Context, *SummaryRecord) error       { return nil }
func (discard) Close() error                                             { return nil }

var _ Writer = (*JSONLWriter)(nil)
