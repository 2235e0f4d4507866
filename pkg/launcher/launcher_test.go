package launcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/webgrade/pkg/portalloc"
	"github.com/3leaps/webgrade/pkg/supervisor"
	"github.com/3leaps/webgrade/pkg/workspace"
)

// fakeSupervisor writes a canned log when a service starts.
type fakeSupervisor struct {
	mu      sync.Mutex
	started []supervisor.Descriptor
	log     string
}

func (f *fakeSupervisor) Start(_ context.Context, d supervisor.Descriptor) (*supervisor.Record, error) {
	f.mu.Lock()
	f.started = append(f.started, d)
	f.mu.Unlock()
	if f.log != "" {
		if err := os.WriteFile(d.OutLog, []byte(f.log), 0o644); err != nil {
			return nil, err
		}
	}
	return &supervisor.Record{Name: d.Name, State: supervisor.StateRunning, Port: d.Port,
		Logs: supervisor.LogPaths{Out: d.OutLog, Err: d.ErrLog}}, nil
}

func (f *fakeSupervisor) Stop(context.Context, string) error { return nil }

func (f *fakeSupervisor) Logs(string) (supervisor.LogPaths, error) {
	return supervisor.LogPaths{}, supervisor.ErrUnknownService
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir()).Create(0, "launch")
	require.NoError(t, err)
	return ws
}

func TestScanPort(t *testing.T) {
	log := "\x1b[32m  VITE v5.0.0\x1b[39m  ready in 300 ms\n" +
		"Port 30000 is in use, trying another one...\n" +
		"  \x1b[32m➜\x1b[39m  \x1b[1mLocal\x1b[22m:   \x1b[36mhttp://localhost:\x1b[1m30001\x1b[22m/\x1b[39m\n" +
		"  ➜  Network: use --host to expose\n"
	assert.Equal(t, 30001, ScanPort(log))

	assert.Equal(t, 5174, ScanPort("http://localhost:5173/\nhttp://127.0.0.1:5174/\n"))
	assert.Equal(t, 0, ScanPort("no urls here"))
	assert.Equal(t, 0, ScanPort("https://example.com:443/"))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "Local: http://localhost:5173/", StripANSI("\x1b[1mLocal\x1b[22m: \x1b[36mhttp://localhost:5173/\x1b[39m"))
}

func TestDiscoverPort_WaitsForLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("Local: http://localhost:30007/\n"), 0o644)
	}()

	port, err := DiscoverPort(context.Background(), path, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 30007, port)
}

func TestDiscoverPort_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	require.NoError(t, os.WriteFile(path, []byte("compiling...\n"), 0o644))

	_, err := DiscoverPort(context.Background(), path, 50*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPortDiscoveryTimeout)
}

func TestDiscoverPort_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DiscoverPort(ctx, filepath.Join(t.TempDir(), "missing.log"), time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrapperScript(t *testing.T) {
	script, err := WrapperScript(`npm run dev -- --host "0.0.0.0"`)
	require.NoError(t, err)
	assert.Contains(t, script, `spawn("npm", ["run","dev","--","--host","0.0.0.0"]`)
	assert.Contains(t, script, "shell: true")
	assert.Contains(t, script, "stdio: 'inherit'")

	script, err = WrapperScript(`echo "unbalanced`)
	require.NoError(t, err)
	assert.Contains(t, script, `spawn("echo \"unbalanced", []`)
}

func TestSplitWords(t *testing.T) {
	words, err := splitWords(`a 'b c' "d \"e\"" f\ g`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b c", `d "e"`, "f g"}, words)

	_, err = splitWords(`'open`)
	assert.Error(t, err)
}

func TestLaunch(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.WriteFile(ws.Path("vite.config.ts"), []byte(`export default defineConfig({ plugins: [] })`), 0o644))
	require.NoError(t, os.WriteFile(ws.OutLog(), []byte("stale http://localhost:1111/\n"), 0o644))

	sup := &fakeSupervisor{log: "Local: http://localhost:30002/\n"}
	l, err := New(Config{Supervisor: sup, PollInterval: 10 * time.Millisecond, DiscoveryTimeout: time.Second})
	require.NoError(t, err)

	svc, err := l.Launch(context.Background(), ws, portalloc.Lease{Port: 30002, Owner: ws.Name}, "npm run dev")
	require.NoError(t, err)
	assert.Equal(t, 30002, svc.Port)
	assert.Equal(t, CaseServerInserted, svc.ConfigCase)

	require.Len(t, sup.started, 1)
	d := sup.started[0]
	assert.Equal(t, ws.Name, d.Name)
	assert.Equal(t, "node", d.Script)
	assert.Equal(t, []string{workspace.WrapperName}, d.Args)
	assert.Equal(t, "30002", d.Env["PORT"])
	assert.Equal(t, "production", d.Env["NODE_ENV"])
	assert.Equal(t, ws.EcosystemPath(), d.ConfigPath)
	assert.FileExists(t, ws.Path(workspace.WrapperName))

	b, err := os.ReadFile(ws.Path(workspace.ServicesFileName))
	require.NoError(t, err)
	var services map[string]int
	require.NoError(t, json.Unmarshal(b, &services))
	assert.Equal(t, map[string]int{ws.Name: 30002}, services)
}

func TestLaunch_DiscoveryTimeoutReturnsService(t *testing.T) {
	ws := newWorkspace(t)
	require.NoError(t, os.WriteFile(ws.Path("vite.config.ts"), []byte(`export default defineConfig({})`), 0o644))

	l, err := New(Config{Supervisor: &fakeSupervisor{log: "Error: Cannot find module 'vite'\n"},
		PollInterval: 5 * time.Millisecond, DiscoveryTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	svc, err := l.Launch(context.Background(), ws, portalloc.Lease{Port: 30003}, "npm run dev")
	assert.ErrorIs(t, err, ErrPortDiscoveryTimeout)
	require.NotNil(t, svc)
	assert.Equal(t, ws.Name, svc.Name)
	assert.Zero(t, svc.Port)
}

func TestLaunch_MissingConfigIsFatal(t *testing.T) {
	ws := newWorkspace(t)
	sup := &fakeSupervisor{}
	l, err := New(Config{Supervisor: sup})
	require.NoError(t, err)

	_, err = l.Launch(context.Background(), ws, portalloc.Lease{Port: 30004}, "npm run dev")
	assert.ErrorIs(t, err, ErrConfigNotFound)
	assert.Empty(t, sup.started)
}
