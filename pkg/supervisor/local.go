package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 10 * time.Second

// Local runs services as direct child processes, each in its own process
// group so that Stop reaches the dev server spawned by the wrapper script.
type Local struct {
	store *Store
	grace time.Duration

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewLocal returns a Local supervisor persisting records in store.
func NewLocal(store *Store) *Local {
	return &Local{
		store: store,
		grace: DefaultStopGrace,
		procs: make(map[string]*localProc),
	}
}

// WithStopGrace overrides the SIGTERM to SIGKILL grace period.
func (l *Local) WithStopGrace(d time.Duration) *Local {
	l.grace = d
	return l
}

func (l *Local) Start(ctx context.Context, d Descriptor) (*Record, error) {
	if d.Name == "" || d.Script == "" {
		return nil, fmt.Errorf("service name and script are required")
	}
	if err := l.Stop(ctx, d.Name); err != nil {
		return nil, fmt.Errorf("replace existing service: %w", err)
	}

	stdout, err := os.Create(d.OutLog)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(d.ErrLog)
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	// The service outlives the request context; Stop ends it.
	cmd := exec.Command(d.Script, d.Args...)
	cmd.Dir = d.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), envList(d.Env)...)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start service %s: %w", d.Name, err)
	}

	p := &localProc{cmd: cmd, done: make(chan struct{})}
	rec := &Record{
		Name:       d.Name,
		Backend:    "local",
		State:      StateRunning,
		Dir:        d.Dir,
		Port:       d.Port,
		PID:        cmd.Process.Pid,
		ConfigPath: d.ConfigPath,
		Logs:       LogPaths{Out: d.OutLog, Err: d.ErrLog},
		StartedAt:  time.Now().UTC(),
	}

	l.mu.Lock()
	l.procs[d.Name] = p
	err = l.store.Write(rec)
	l.mu.Unlock()

	go l.reap(d.Name, p, *rec)
	if err != nil {
		_ = l.Stop(ctx, d.Name)
		return nil, err
	}
	return rec, nil
}

func (l *Local) reap(name string, p *localProc, rec Record) {
	_ = p.cmd.Wait()
	close(p.done)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.procs[name] != p {
		// Stopped (or replaced) by a caller that owns the record now.
		return
	}
	delete(l.procs, name)
	markEnded(&rec, StateExited)
	_ = l.store.Write(&rec)
}

func (l *Local) Stop(ctx context.Context, name string) error {
	l.mu.Lock()
	p := l.procs[name]
	delete(l.procs, name)
	l.mu.Unlock()

	if p != nil {
		l.terminate(ctx, p.cmd.Process.Pid, p.done)
	} else if rec, err := l.store.Get(name); err == nil && rec.State == StateRunning {
		// Left over from an earlier process of ours.
		l.terminate(ctx, rec.PID, nil)
	}
	return l.store.Delete(name)
}

// terminate sends SIGTERM to the process group, waits for exit up to the
// grace period and then sends SIGKILL. done may be nil for processes that
// are not our children, in which case liveness is polled.
func (l *Local) terminate(ctx context.Context, pid int, done <-chan struct{}) {
	if pid <= 0 {
		return
	}
	_ = signalGroup(pid, false)

	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			// The wrapper may exit before its children.
			_ = signalGroup(pid, true)
			return
		case <-ticker.C:
			if done == nil && !isProcessAlive(pid) {
				return
			}
		case <-timer.C:
			_ = signalGroup(pid, true)
			return
		case <-ctx.Done():
			_ = signalGroup(pid, true)
			return
		}
	}
}

func (l *Local) Logs(name string) (LogPaths, error) {
	rec, err := l.store.Get(name)
	if err != nil {
		return LogPaths{}, err
	}
	return rec.Logs, nil
}

// Running returns the names of services started by this supervisor that
// have not exited.
func (l *Local) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.procs))
	for name := range l.procs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var errNoProcess = errors.New("process not found")
