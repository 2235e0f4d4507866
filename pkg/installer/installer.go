// Package installer runs a project's dependency install commands with a
// three-tier escalation: plain, --force, then --legacy-peer-deps.
//
// Each command escalates independently. The first tier that exits zero
// satisfies the command; when all tiers fail the whole installation fails
// and no further commands run.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/webgrade/pkg/retry"
	"github.com/3leaps/webgrade/pkg/workspace"
)

// ErrInstallFailed is returned when a command fails on every tier.
var ErrInstallFailed = errors.New("dependency installation failed")

// Tier is one escalation step. Flag is appended to each npm install
// clause; an empty flag runs the command as normalized.
type Tier struct {
	Name string
	Flag string
}

// DefaultTiers is the standard escalation policy.
var DefaultTiers = []Tier{
	{Name: "plain"},
	{Name: "force", Flag: "--force"},
	{Name: "legacy-peer-deps", Flag: "--legacy-peer-deps"},
}

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultCacheDirName = "npm_cache"
)

// Config configures an Installer.
type Config struct {
	Runner Runner

	// Timeout bounds each tier attempt.
	Timeout time.Duration

	// CacheDirName is the npm cache directory created inside the workspace.
	CacheDirName string

	Tiers  []Tier
	Logger *zap.Logger
}

// Installer runs install commands inside a workspace.
type Installer struct {
	runner   Runner
	timeout  time.Duration
	cacheDir string
	tiers    []Tier
	logger   *zap.Logger
}

// New returns an Installer, filling zero fields with defaults.
func New(cfg Config) *Installer {
	if cfg.Runner == nil {
		cfg.Runner = ShellRunner{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheDirName == "" {
		cfg.CacheDirName = DefaultCacheDirName
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Installer{
		runner:   cfg.Runner,
		timeout:  cfg.Timeout,
		cacheDir: cfg.CacheDirName,
		tiers:    cfg.Tiers,
		logger:   cfg.Logger,
	}
}

// Result summarizes a successful installation.
type Result struct {
	Tiers []CommandTier
}

// CommandTier pairs a command with the tier that satisfied it.
type CommandTier struct {
	Command string
	Tier    string
}

// Install removes any existing node_modules, prepares a workspace-local npm
// cache and runs commands in order.
func (i *Installer) Install(ctx context.Context, ws *workspace.Workspace, commands []string) (*Result, error) {
	if err := os.RemoveAll(ws.Path(workspace.NodeModulesName)); err != nil {
		return nil, fmt.Errorf("%w: remove node_modules: %w", ErrInstallFailed, err)
	}
	cacheDir := ws.Path(i.cacheDir)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create npm cache: %w", ErrInstallFailed, err)
	}

	logFile, err := os.OpenFile(ws.Path(workspace.InstallLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open install log: %w", ErrInstallFailed, err)
	}
	defer func() { _ = logFile.Close() }()

	env := append(os.Environ(), "npm_config_cache="+cacheDir)
	res := &Result{}

	for _, raw := range commands {
		base := Normalize(raw, cacheDir)
		log := i.logger.With(zap.String("workspace", ws.Name), zap.String("command", base))

		tier, err := retry.FirstSuccess(ctx, i.tiersFor(ws.Dir, base, env, logFile), func(tier string, err error) {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Warn("Install tier timed out", zap.String("tier", tier), zap.Duration("timeout", i.timeout))
				return
			}
			log.Warn("Install tier failed", zap.String("tier", tier), zap.Error(err))
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Error("Install command failed on every tier", zap.Error(err))
			return nil, fmt.Errorf("%w: %q: %w", ErrInstallFailed, raw, err)
		}
		log.Info("Install command succeeded", zap.String("tier", tier))
		res.Tiers = append(res.Tiers, CommandTier{Command: base, Tier: tier})
	}
	return res, nil
}

func (i *Installer) tiersFor(dir, base string, env []string, out io.Writer) []retry.Tier {
	tiers := make([]retry.Tier, 0, len(i.tiers))
	for _, t := range i.tiers {
		line := base
		if t.Flag != "" {
			line = AddFlag(base, t.Flag)
		}
		tiers = append(tiers, retry.Tier{
			Name: t.Name,
			Run: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, i.timeout)
				defer cancel()
				_, _ = fmt.Fprintf(out, "$ %s\n", line)
				return i.runner.Run(ctx, Command{Dir: dir, Line: line, Env: env, Output: out})
			},
		})
	}
	return tiers
}

// CacheDir returns the npm cache path used for ws.
func (i *Installer) CacheDir(ws *workspace.Workspace) string {
	return filepath.Join(ws.Dir, i.cacheDir)
}
