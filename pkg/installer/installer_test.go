package installer

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/webgrade/pkg/retry"
	"github.com/3leaps/webgrade/pkg/workspace"
)

type scriptedRunner struct {
	mu    sync.Mutex
	lines []string
	fail  func(line string) bool
}

func (r *scriptedRunner) Run(ctx context.Context, c Command) error {
	r.mu.Lock()
	r.lines = append(r.lines, c.Line)
	r.mu.Unlock()
	if r.fail != nil && r.fail(c.Line) {
		return errors.New("exit status 1")
	}
	return nil
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir()).Create(0, "test")
	require.NoError(t, err)
	return ws
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		cache string
		want  string
	}{
		{"plain", "npm install", "/ws/npm_cache", "npm install --cache /ws/npm_cache"},
		{"drops dev server", "npm install && npm run dev", "", "npm install"},
		{"only dev server", "npm start", "", "npm install"},
		{"keeps build", "npm install && npm run build", "/c", "npm install --cache /c && npm run build"},
		{"multiple installs", "npm install && npm install -D vite", "/c", "npm install --cache /c && npm install --cache /c -D vite"},
		{"quotes odd cache", "npm install", "/tmp/my cache", "npm install --cache '/tmp/my cache'"},
		{"existing cache flag", "npm install --cache /x", "/c", "npm install --cache /x"},
		{"extra whitespace", "npm   run   dev && yarn", "", "yarn"},
		{"install-test script", "npm install-test", "/ws/npm_cache", "npm install-test"},
		{"pnpm untouched", "pnpm install && npm install", "/c", "pnpm install && npm install --cache /c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in, tc.cache))
		})
	}
}

func TestAddFlag(t *testing.T) {
	assert.Equal(t, "npm install --force", AddFlag("npm install", "--force"))
	assert.Equal(t, "npm install --legacy-peer-deps", AddFlag("npm install --legacy-peer-deps", "--legacy-peer-deps"))
	assert.Equal(t, "npm install --force react && npm install --force vite",
		AddFlag("npm install react && npm install vite", "--force"))
	assert.Equal(t, "npm ci", AddFlag("npm ci", "--force"))
	assert.Equal(t, "npm install-test", AddFlag("npm install-test", "--force"))
	assert.Equal(t, "pnpm install", AddFlag("pnpm install", "--force"))
	assert.Equal(t, "cd app; npm install --force", AddFlag("cd app; npm install", "--force"))
	assert.Equal(t, "(npm  install --force)", AddFlag("(npm  install)", "--force"))
}

func TestInstall_EscalatesToThirdTier(t *testing.T) {
	ws := newWorkspace(t)
	r := &scriptedRunner{fail: func(line string) bool {
		return !strings.Contains(line, "--legacy-peer-deps")
	}}
	inst := New(Config{Runner: r})

	res, err := inst.Install(context.Background(), ws, []string{"npm install"})
	require.NoError(t, err)
	require.Len(t, r.lines, 3)
	assert.NotContains(t, r.lines[0], "--force")
	assert.Contains(t, r.lines[1], "--force")
	assert.Contains(t, r.lines[2], "--legacy-peer-deps")
	assert.Equal(t, []CommandTier{{Command: r.lines[0], Tier: "legacy-peer-deps"}}, res.Tiers)
}

func TestInstall_CommandsEscalateIndependently(t *testing.T) {
	ws := newWorkspace(t)
	r := &scriptedRunner{fail: func(line string) bool {
		return strings.Contains(line, "lodash") && !strings.Contains(line, "--force")
	}}
	inst := New(Config{Runner: r})

	res, err := inst.Install(context.Background(), ws, []string{"npm install lodash", "npm install"})
	require.NoError(t, err)
	require.Len(t, res.Tiers, 2)
	assert.Equal(t, "force", res.Tiers[0].Tier)
	assert.Equal(t, "plain", res.Tiers[1].Tier)
	assert.Len(t, r.lines, 3)
}

func TestInstall_FailsWhenAllTiersFail(t *testing.T) {
	ws := newWorkspace(t)
	r := &scriptedRunner{fail: func(line string) bool { return strings.Contains(line, "broken") }}
	inst := New(Config{Runner: r})

	_, err := inst.Install(context.Background(), ws, []string{"npm install broken", "npm install"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	// The second command never runs.
	assert.Len(t, r.lines, 3)
}

func TestInstall_RemovesNodeModulesAndCreatesCache(t *testing.T) {
	ws := newWorkspace(t)
	stale := ws.Path(workspace.NodeModulesName, "stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	var env []string
	r := RunnerFunc(func(_ context.Context, c Command) error {
		env = c.Env
		assert.Equal(t, ws.Dir, c.Dir)
		return nil
	})
	inst := New(Config{Runner: r})

	_, err := inst.Install(context.Background(), ws, []string{"npm install"})
	require.NoError(t, err)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, inst.CacheDir(ws))
	assert.Contains(t, env, "npm_config_cache="+inst.CacheDir(ws))
	assert.FileExists(t, ws.Path(workspace.InstallLogName))
}

func TestInstall_TierTimeoutEscalates(t *testing.T) {
	ws := newWorkspace(t)
	r := RunnerFunc(func(ctx context.Context, c Command) error {
		if strings.Contains(c.Line, "--force") {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	})
	inst := New(Config{Runner: r, Timeout: 20 * time.Millisecond})

	res, err := inst.Install(context.Background(), ws, []string{"npm install"})
	require.NoError(t, err)
	assert.Equal(t, "force", res.Tiers[0].Tier)
}

func TestInstall_ParentCancellation(t *testing.T) {
	ws := newWorkspace(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := RunnerFunc(func(context.Context, Command) error {
		cancel()
		return errors.New("killed")
	})

	_, err := New(Config{Runner: r}).Install(ctx, ws, []string{"npm install"})
	assert.ErrorIs(t, err, context.Canceled)
}
