// Package launcher starts a materialized project's dev server on a leased
// port: it rewrites the dev-server config to honor PORT, hands a uniform
// wrapper script to the supervisor, and discovers the port the server
// actually bound from its log.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/webgrade/pkg/portalloc"
	"github.com/3leaps/webgrade/pkg/supervisor"
	"github.com/3leaps/webgrade/pkg/workspace"
)

const (
	DefaultDevPort          = 5173
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
)

// Config configures a Launcher.
type Config struct {
	Supervisor supervisor.Supervisor

	// DefaultPort is the fallback written into the config expression.
	DefaultPort int

	DiscoveryTimeout time.Duration
	PollInterval     time.Duration

	// NodeBin runs the wrapper script. Defaults to "node".
	NodeBin string

	Logger *zap.Logger
}

// Launcher starts services for workspaces.
type Launcher struct {
	cfg Config
}

// New returns a Launcher, filling zero fields with defaults.
func New(cfg Config) (*Launcher, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("launcher: supervisor is required")
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = DefaultDevPort
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NodeBin == "" {
		cfg.NodeBin = "node"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg}, nil
}

// Service is a started dev server.
type Service struct {
	Name          string             `json:"name"`
	RequestedPort int                `json:"requested_port"`
	Port          int                `json:"port"`
	ConfigCase    Case               `json:"config_case"`
	ConfigPath    string             `json:"config_path"`
	Record        *supervisor.Record `json:"record,omitempty"`
}

// Configure rewrites the workspace's dev-server config.
func (l *Launcher) Configure(ws *workspace.Workspace) (Case, string, error) {
	c, path, err := RewriteConfig(ws.Dir, l.cfg.DefaultPort)
	if err != nil {
		return "", path, err
	}
	l.cfg.Logger.Debug("Rewrote dev server config",
		zap.String("workspace", ws.Name),
		zap.String("config", path),
		zap.String("case", string(c)))
	return c, path, nil
}

// Start writes the wrapper script, clears stale logs and registers the
// service with the supervisor under the workspace name.
func (l *Launcher) Start(ctx context.Context, ws *workspace.Workspace, lease portalloc.Lease, startCmd string) (*supervisor.Record, error) {
	if err := WriteWrapper(ws.Path(workspace.WrapperName), startCmd); err != nil {
		return nil, err
	}
	for _, p := range []string{ws.OutLog(), ws.ErrLog()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale log: %w", err)
		}
	}

	rec, err := l.cfg.Supervisor.Start(ctx, supervisor.Descriptor{
		Name:   ws.Name,
		Dir:    ws.Dir,
		Script: l.cfg.NodeBin,
		Args:   []string{workspace.WrapperName},
		Env: map[string]string{
			"PORT":     strconv.Itoa(lease.Port),
			"NODE_ENV": "production",
		},
		Port:       lease.Port,
		OutLog:     ws.OutLog(),
		ErrLog:     ws.ErrLog(),
		ConfigPath: ws.EcosystemPath(),
	})
	if err != nil {
		return nil, err
	}
	l.cfg.Logger.Info("Started dev server",
		zap.String("workspace", ws.Name),
		zap.Int("port", lease.Port),
		zap.String("command", startCmd))
	return rec, nil
}

// Discover waits for the service's bound port and records it in the
// workspace's services file.
func (l *Launcher) Discover(ctx context.Context, ws *workspace.Workspace) (int, error) {
	logPath := ws.OutLog()
	if logs, err := l.cfg.Supervisor.Logs(ws.Name); err == nil && logs.Out != "" {
		logPath = logs.Out
	}

	port, err := DiscoverPort(ctx, logPath, l.cfg.DiscoveryTimeout, l.cfg.PollInterval)
	if err != nil {
		return 0, err
	}
	if err := WriteServices(ws, port); err != nil {
		return 0, err
	}
	return port, nil
}

// Launch runs Configure, Start and Discover in order. On a discovery
// failure the returned Service is non-nil so the caller can stop it.
func (l *Launcher) Launch(ctx context.Context, ws *workspace.Workspace, lease portalloc.Lease, startCmd string) (*Service, error) {
	c, path, err := l.Configure(ws)
	if err != nil {
		return nil, err
	}
	rec, err := l.Start(ctx, ws, lease, startCmd)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		Name:          ws.Name,
		RequestedPort: lease.Port,
		ConfigCase:    c,
		ConfigPath:    path,
		Record:        rec,
	}
	port, err := l.Discover(ctx, ws)
	if err != nil {
		return svc, err
	}
	svc.Port = port
	return svc, nil
}

// WriteServices records {name: port} in the workspace.
func WriteServices(ws *workspace.Workspace, port int) error {
	b, err := json.MarshalIndent(map[string]int{ws.Name: port}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(ws.Path(workspace.ServicesFileName), b, 0o644); err != nil {
		return fmt.Errorf("write services file: %w", err)
	}
	return nil
}
