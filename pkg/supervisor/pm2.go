package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandFunc runs an external command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// PM2 supervises services through the pm2 process manager.
type PM2 struct {
	bin   string
	store *Store
	run   CommandFunc
}

// NewPM2 returns a PM2 supervisor. bin defaults to "pm2".
func NewPM2(bin string, store *Store) *PM2 {
	if bin == "" {
		bin = "pm2"
	}
	return &PM2{bin: bin, store: store, run: execCommand}
}

// WithCommandFunc replaces how pm2 is invoked.
func (p *PM2) WithCommandFunc(fn CommandFunc) *PM2 {
	p.run = fn
	return p
}

// Start writes an ecosystem file to d.ConfigPath, deletes any pm2 entry of
// the same name and starts the service from the file.
func (p *PM2) Start(ctx context.Context, d Descriptor) (*Record, error) {
	if d.Name == "" || d.ConfigPath == "" {
		return nil, fmt.Errorf("service name and config path are required")
	}

	cfg, err := EcosystemConfig(d)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(d.ConfigPath, cfg, 0o644); err != nil {
		return nil, fmt.Errorf("write ecosystem config: %w", err)
	}

	_, _ = p.run(ctx, p.bin, "delete", d.Name)
	if out, err := p.run(ctx, p.bin, "start", d.ConfigPath); err != nil {
		return nil, fmt.Errorf("pm2 start %s: %w: %s", d.Name, err, strings.TrimSpace(string(out)))
	}

	rec := &Record{
		Name:       d.Name,
		Backend:    "pm2",
		State:      StateRunning,
		Dir:        d.Dir,
		Port:       d.Port,
		PID:        p.pid(ctx, d.Name),
		ConfigPath: d.ConfigPath,
		Logs:       LogPaths{Out: d.OutLog, Err: d.ErrLog},
		StartedAt:  time.Now().UTC(),
	}
	if err := p.store.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// pid asks pm2 for the service pid; zero when unavailable.
func (p *PM2) pid(ctx context.Context, name string) int {
	out, err := p.run(ctx, p.bin, "pid", name)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0
	}
	pid, _ := strconv.Atoi(fields[len(fields)-1])
	return pid
}

// Stop deletes the pm2 entry and the service record.
func (p *PM2) Stop(ctx context.Context, name string) error {
	var stopErr error
	out, err := p.run(ctx, p.bin, "delete", name)
	if err != nil && !bytes.Contains(bytes.ToLower(out), []byte("not found")) {
		stopErr = fmt.Errorf("pm2 delete %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	// The record goes even when pm2 refuses; a stale one would outlive the workspace.
	return errors.Join(stopErr, p.store.Delete(name))
}

func (p *PM2) Logs(name string) (LogPaths, error) {
	rec, err := p.store.Get(name)
	if err != nil {
		return LogPaths{}, err
	}
	return rec.Logs, nil
}

type ecosystemApp struct {
	Name        string            `json:"name"`
	Script      string            `json:"script"`
	Args        string            `json:"args,omitempty"`
	Cwd         string            `json:"cwd"`
	OutFile     string            `json:"out_file"`
	ErrorFile   string            `json:"error_file"`
	Autorestart bool              `json:"autorestart"`
	Env         map[string]string `json:"env,omitempty"`
}

// EcosystemConfig renders the pm2 ecosystem file for d. Log paths are
// absolute so pm2 does not resolve them against its own home.
func EcosystemConfig(d Descriptor) ([]byte, error) {
	doc := map[string][]ecosystemApp{
		"apps": {{
			Name:        d.Name,
			Script:      d.Script,
			Args:        strings.Join(d.Args, " "),
			Cwd:         d.Dir,
			OutFile:     d.OutLog,
			ErrorFile:   d.ErrLog,
			Autorestart: false,
			Env:         d.Env,
		}},
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ecosystem config: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("module.exports = ")
	buf.Write(b)
	buf.WriteString(";\n")
	return buf.Bytes(), nil
}
