package resultstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.Record(ctx, Result{
		RunID:     "run-1",
		RequestID: "req-a",
		State:     "cleanup",
		Code:      "NO_ARTIFACT",
		StartedAt: base,
		EndedAt:   base.Add(time.Second),
	})
	require.NoError(t, err)

	id, err := s.Record(ctx, Result{
		RunID:           "run-1",
		RequestID:       "req-b",
		Rank:            2,
		Workspace:       "rank2_pid1_req-b_0000aaaa",
		FormatCompliant: true,
		State:           "cleanup",
		Code:            "OK",
		Port:            40001,
		Score:           4,
		JudgeText:       "Grade: 4",
		ArchiveURI:      "file:///archive/req-b",
		StartedAt:       base.Add(time.Minute),
		EndedAt:         base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	results, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	newest := results[0]
	assert.Equal(t, "req-b", newest.RequestID)
	assert.Equal(t, 2, newest.Rank)
	assert.True(t, newest.FormatCompliant)
	assert.Equal(t, 40001, newest.Port)
	assert.Equal(t, 4.0, newest.Score)
	assert.Equal(t, "file:///archive/req-b", newest.ArchiveURI)
	assert.Equal(t, base.Add(time.Minute), newest.StartedAt)

	oldest := results[1]
	assert.Equal(t, "req-a", oldest.RequestID)
	assert.Empty(t, oldest.Workspace)
	assert.Zero(t, oldest.Port)
	assert.False(t, oldest.FormatCompliant)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "req-b", limited[0].RequestID)
}

func TestForRequestAndStats(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	records := []Result{
		{RunID: "r1", RequestID: "x", Code: "OK", State: "cleanup", Score: 5, StartedAt: base},
		{RunID: "r1", RequestID: "x", Code: "INSTALL_FAILED", State: "cleanup", StartedAt: base.Add(time.Second)},
		{RunID: "r2", RequestID: "y", Code: "OK", State: "cleanup", Score: 3, StartedAt: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		_, err := s.Record(ctx, r)
		require.NoError(t, err)
	}

	attempts, err := s.ForRequest(ctx, "x")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "OK", attempts[0].Code)
	assert.Equal(t, "INSTALL_FAILED", attempts[1].Code)

	all, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Count)
	assert.InDelta(t, 8.0/3.0, all.MeanScore, 1e-9)
	assert.Equal(t, map[string]int64{"OK": 2, "INSTALL_FAILED": 1}, all.ByCode)

	run1, err := s.Stats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), run1.Count)
	assert.InDelta(t, 2.5, run1.MeanScore, 1e-9)

	empty, err := s.Stats(ctx, "none")
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.MeanScore)
}

func TestOpen_FileCreatesDirAndReopens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "results.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	_, err = s.Record(ctx, Result{RunID: "r", RequestID: "q", Code: "OK", State: "cleanup", Score: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	results, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q", results[0].RequestID)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestMigrate_IdempotentAndVersioned(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	require.NoError(t, Migrate(ctx, s.db))

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)

	_, err := s.db.ExecContext(ctx, `PRAGMA user_version = 99`)
	require.NoError(t, err)
	assert.ErrorContains(t, Migrate(ctx, s.db), "newer than supported")
}
