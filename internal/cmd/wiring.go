package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/webgrade/internal/config"
	"github.com/3leaps/webgrade/pkg/archive"
	"github.com/3leaps/webgrade/pkg/installer"
	"github.com/3leaps/webgrade/pkg/judge"
	"github.com/3leaps/webgrade/pkg/launcher"
	"github.com/3leaps/webgrade/pkg/output"
	"github.com/3leaps/webgrade/pkg/pipeline"
	"github.com/3leaps/webgrade/pkg/portalloc"
	"github.com/3leaps/webgrade/pkg/resultstore"
	"github.com/3leaps/webgrade/pkg/screenshot"
	"github.com/3leaps/webgrade/pkg/supervisor"
	"github.com/3leaps/webgrade/pkg/workspace"
)

// servicesDirName holds supervisor records under the project root.
const servicesDirName = ".services"

// runtimeOptions carries the per-invocation parts of a grading runtime.
type runtimeOptions struct {
	RunID    string
	Events   output.Writer
	Observer pipeline.Observer
	Logger   *zap.Logger

	// Supervisor and Capturer replace the configured backends when set.
	Supervisor supervisor.Supervisor
	Capturer   screenshot.Capturer
	Judge      judge.Judge
	Installer  pipeline.Installer
	Prober     portalloc.Prober
}

// gradingRuntime owns one configured Grader and the resources behind it.
type gradingRuntime struct {
	Grader  *pipeline.Grader
	Ports   *portalloc.Allocator
	Results *resultstore.Store

	closers []func() error
}

// Close releases the result store and rollout file.
func (r *gradingRuntime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildRuntime wires every pipeline collaborator from cfg.
func buildRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (_ *gradingRuntime, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.ProjectRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create project root: %w", err)
	}

	rt := &gradingRuntime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	sup := opts.Supervisor
	if sup == nil {
		sup, err = newSupervisor(cfg)
		if err != nil {
			return nil, err
		}
	}

	l, err := launcher.New(launcher.Config{
		Supervisor:       sup,
		DefaultPort:      cfg.Launch.DefaultPort,
		DiscoveryTimeout: cfg.Launch.DiscoveryTimeout,
		PollInterval:     cfg.Launch.PollInterval,
		NodeBin:          cfg.Launch.NodeBin,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure launcher: %w", err)
	}

	inst := opts.Installer
	if inst == nil {
		inst = installer.New(installer.Config{
			Timeout:      cfg.Install.Timeout,
			CacheDirName: cfg.Install.CacheDirName,
			Logger:       logger,
		})
	}

	rt.Ports = portalloc.New(portalloc.Config{
		Rank:       cfg.Rank,
		Base:       cfg.Ports.Base,
		BandSize:   cfg.Ports.BandSize,
		ProbeDelay: cfg.Ports.ProbeDelay,
		Prober:     opts.Prober,
	})

	capturer := opts.Capturer
	if capturer == nil {
		capturer = screenshot.NewChrome(screenshot.ChromeConfig{
			ChromePath: cfg.Screenshot.ChromePath,
			Width:      cfg.Screenshot.ViewportWidth,
			Height:     cfg.Screenshot.ViewportHeight,
			Pause:      cfg.Screenshot.Pause,
			Timeout:    cfg.Screenshot.Timeout,
			Logger:     logger,
		})
	}

	j := opts.Judge
	if j == nil {
		j = newJudge(cfg, logger)
	}

	sink, err := newArchive(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var recorder pipeline.Recorder
	if cfg.Results.DB != "" {
		store, err := resultstore.Open(ctx, resultstore.Config{Path: cfg.Results.DB})
		if err != nil {
			return nil, fmt.Errorf("open result store: %w", err)
		}
		rt.Results = store
		rt.closers = append(rt.closers, store.Close)
		recorder = store
	}

	var rollouts output.Writer
	if cfg.Rollout.Path != "" {
		w, err := output.OpenFile(cfg.Rollout.Path, opts.RunID, cfg.Rank)
		if err != nil {
			return nil, fmt.Errorf("open rollout log: %w", err)
		}
		rt.closers = append(rt.closers, w.Close)
		rollouts = w
	}

	pcfg := pipeline.Config{
		Rank:           cfg.Rank,
		RunID:          opts.RunID,
		Workspaces:     workspace.NewManager(cfg.ProjectRoot),
		Installer:      inst,
		Ports:          rt.Ports,
		Supervisor:     sup,
		Launcher:       l,
		Capturer:       capturer,
		Judge:          j,
		Events:         opts.Events,
		Rollouts:       rollouts,
		Observer:       opts.Observer,
		Logger:         logger,
		CleanupTimeout: cfg.Cleanup.Timeout,
	}
	// Typed nils must not reach the pipeline's optional interfaces.
	if sink != nil {
		pcfg.Archive = sink
	}
	if recorder != nil {
		pcfg.Recorder = recorder
	}

	rt.Grader, err = pipeline.New(pcfg)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func newSupervisor(cfg *config.Config) (supervisor.Supervisor, error) {
	stateDir := cfg.Supervisor.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(cfg.ProjectRoot, servicesDirName)
	}
	store := supervisor.NewStore(stateDir)

	switch cfg.Supervisor.Backend {
	case "pm2":
		return supervisor.NewPM2(cfg.Supervisor.PM2Bin, store), nil
	case "local":
		return supervisor.NewLocal(store), nil
	default:
		return nil, fmt.Errorf("unknown supervisor backend %q", cfg.Supervisor.Backend)
	}
}

func newJudge(cfg *config.Config, logger *zap.Logger) *judge.Client {
	return judge.New(judge.Config{
		Endpoint:       cfg.Judge.Endpoint,
		Model:          cfg.Judge.Model,
		APIKey:         cfg.Judge.APIKey,
		MaxRetries:     cfg.Judge.MaxRetries,
		InitialBackoff: cfg.Judge.InitialBackoff,
		RateLimit:      cfg.Judge.RateLimit,
		HTTPClient:     &http.Client{Timeout: cfg.Judge.Timeout},
		Logger:         logger,
	})
}

// newArchive returns nil when archiving is disabled.
func newArchive(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*archive.Archiver, error) {
	var store archive.Store
	switch cfg.Archive.Kind {
	case "", "none":
		return nil, nil
	case "file":
		fs, err := archive.NewFileStore(cfg.Archive.Dir)
		if err != nil {
			return nil, err
		}
		store = fs
	case "s3":
		s3Store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:         cfg.Archive.S3.Bucket,
			Region:         cfg.Archive.S3.Region,
			Endpoint:       cfg.Archive.S3.Endpoint,
			Profile:        cfg.Archive.S3.Profile,
			ForcePathStyle: cfg.Archive.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s3Store
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Archive.Kind)
	}

	return archive.New(store, archive.Options{
		Prefix:  cfg.Archive.Prefix,
		Include: cfg.Archive.Include,
		Exclude: cfg.Archive.Exclude,
		Logger:  logger,
	})
}
