package resultstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Result is one stored grading outcome.
type Result struct {
	ID              int64
	RunID           string
	RequestID       string
	Rank            int
	Workspace       string
	FormatCompliant bool
	State           string
	Code            string
	Error           string
	Port            int
	Score           float64
	JudgeText       string
	ArchiveURI      string
	StartedAt       time.Time
	EndedAt         time.Time
}

// Stats summarises stored results.
type Stats struct {
	Count     int64
	MeanScore float64
	ByCode    map[string]int64
}

// Record inserts r and returns its row id.
func (s *Store) Record(ctx context.Context, r Result) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results
		 (run_id, request_id, rank, workspace, format_compliant, state, code, error,
		  port, score, judge_text, archive_uri, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.RequestID, r.Rank, nullString(r.Workspace), boolToInt(r.FormatCompliant),
		r.State, r.Code, nullString(r.Error), nullInt(r.Port), r.Score,
		nullString(r.JudgeText), nullString(r.ArchiveURI),
		formatTime(r.StartedAt), formatTime(r.EndedAt))
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read result id: %w", err)
	}
	return id, nil
}

// List returns up to limit results, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Result, error) {
	query := `SELECT result_id, run_id, request_id, rank, workspace, format_compliant, state,
		code, error, port, score, judge_text, archive_uri, started_at, ended_at
		FROM results ORDER BY started_at DESC, result_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// ForRequest returns every stored attempt for requestID, oldest first.
func (s *Store) ForRequest(ctx context.Context, requestID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_id, run_id, request_id, rank, workspace, format_compliant, state,
		 code, error, port, score, judge_text, archive_uri, started_at, ended_at
		 FROM results WHERE request_id = ? ORDER BY started_at, result_id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates results, optionally restricted to one run.
func (s *Store) Stats(ctx context.Context, runID string) (Stats, error) {
	where := ""
	args := []any{}
	if runID != "" {
		where = ` WHERE run_id = ?`
		args = append(args, runID)
	}

	st := Stats{ByCode: map[string]int64{}}
	var mean sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(score) FROM results`+where, args...).Scan(&st.Count, &mean); err != nil {
		return Stats{}, fmt.Errorf("aggregate results: %w", err)
	}
	st.MeanScore = mean.Float64

	rows, err := s.db.QueryContext(ctx,
		`SELECT code, COUNT(*) FROM results`+where+` GROUP BY code`, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate codes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return Stats{}, fmt.Errorf("scan code count: %w", err)
		}
		st.ByCode[code] = n
	}
	return st, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (Result, error) {
	var (
		r                                         Result
		workspace, errText, judgeText, archiveURI sql.NullString
		port                                      sql.NullInt64
		compliant                                 int
		startedAt, endedAt                        string
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.RequestID, &r.Rank, &workspace, &compliant,
		&r.State, &r.Code, &errText, &port, &r.Score, &judgeText, &archiveURI,
		&startedAt, &endedAt); err != nil {
		return Result{}, fmt.Errorf("scan result: %w", err)
	}
	r.Workspace = workspace.String
	r.FormatCompliant = compliant != 0
	r.Error = errText.String
	r.Port = int(port.Int64)
	r.JudgeText = judgeText.String
	r.ArchiveURI = archiveURI.String
	r.StartedAt = parseTime(startedAt)
	r.EndedAt = parseTime(endedAt)
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
