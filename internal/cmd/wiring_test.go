package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/webgrade/internal/config"
	"github.com/3leaps/webgrade/pkg/judge"
	"github.com/3leaps/webgrade/pkg/pipeline"
	"github.com/3leaps/webgrade/pkg/screenshot"
	"github.com/3leaps/webgrade/pkg/supervisor"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ProjectRoot: filepath.Join(dir, "projects"),
		Workers:     1,
		Ports:       config.PortsConfig{Base: 30000, BandSize: 5000},
		Launch: config.LaunchConfig{
			DefaultPort:      5173,
			DiscoveryTimeout: time.Second,
			PollInterval:     10 * time.Millisecond,
		},
		Supervisor: config.SupervisorConfig{Backend: "local"},
		Archive:    config.ArchiveConfig{Kind: "file", Dir: filepath.Join(dir, "archive")},
		Results:    config.ResultsConfig{DB: filepath.Join(dir, "results.db")},
		Rollout:    config.RolloutConfig{Path: filepath.Join(dir, "rollouts.jsonl")},
		Cleanup:    config.CleanupConfig{Timeout: 5 * time.Second},
	}
}

type stubJudge struct{}

func (stubJudge) Evaluate(context.Context, []string, string) (string, error) {
	return "Grade: 3", nil
}

func TestBuildRuntime_RecordsAndRollouts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	rt, err := buildRuntime(ctx, cfg, runtimeOptions{
		RunID: "run-1",
		Capturer: screenshot.CapturerFunc(func(context.Context, string, string) ([]string, error) {
			return nil, nil
		}),
		Judge: stubJudge{},
	})
	require.NoError(t, err)
	require.NotNil(t, rt.Results)

	lo, hi := rt.Ports.Band()
	assert.Equal(t, 30000, lo)
	assert.Equal(t, 34999, hi)

	out := rt.Grader.GradeDetailed(ctx, pipeline.Request{ID: "p-1", Instruction: "bakery", Response: "no artifact"})
	assert.Equal(t, 0.0, out.Score)
	assert.Equal(t, pipeline.CodeNoArtifact, out.Code)

	stored, err := rt.Results.ForRequest(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "run-1", stored[0].RunID)
	assert.Equal(t, pipeline.CodeNoArtifact, stored[0].Code)

	require.NoError(t, rt.Close())

	f, err := os.Open(cfg.Rollout.Path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var rec struct {
		Type string `json:"type"`
		Data struct {
			ProblemID     string `json:"problem_id"`
			ModelResponse string `json:"model_response"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
	assert.Equal(t, "webgrade.rollout.v1", rec.Type)
	assert.Equal(t, "p-1", rec.Data.ProblemID)
	assert.Equal(t, "no artifact", rec.Data.ModelResponse)
}

func TestBuildRuntime_MinimalConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive = config.ArchiveConfig{Kind: "none"}
	cfg.Results.DB = ""
	cfg.Rollout.Path = ""

	rt, err := buildRuntime(context.Background(), cfg, runtimeOptions{})
	require.NoError(t, err)
	assert.Nil(t, rt.Results)
	assert.NotNil(t, rt.Grader)
	assert.NoError(t, rt.Close())

	_, err = os.Stat(cfg.ProjectRoot)
	assert.NoError(t, err, "project root is created")
}

func TestBuildRuntime_BadArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive = config.ArchiveConfig{Kind: "file"}

	_, err := buildRuntime(context.Background(), cfg, runtimeOptions{})
	require.Error(t, err)
}

func TestNewSupervisor(t *testing.T) {
	cfg := testConfig(t)

	cfg.Supervisor.Backend = "pm2"
	sup, err := newSupervisor(cfg)
	require.NoError(t, err)
	assert.IsType(t, &supervisor.PM2{}, sup)

	cfg.Supervisor.Backend = "local"
	sup, err = newSupervisor(cfg)
	require.NoError(t, err)
	assert.IsType(t, &supervisor.Local{}, sup)

	cfg.Supervisor.Backend = "docker"
	_, err = newSupervisor(cfg)
	assert.Error(t, err)
}

func TestNewArchive(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	cfg.Archive.Kind = "none"
	a, err := newArchive(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	cfg.Archive.Kind = "file"
	a, err = newArchive(ctx, cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)

	cfg.Archive.Kind = "gcs"
	_, err = newArchive(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestNewJudge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Judge = config.JudgeConfig{Endpoint: "http://127.0.0.1:1", Model: "m", Timeout: time.Second}
	var j judge.Judge = newJudge(cfg, nil)
	assert.NotNil(t, j)
}
