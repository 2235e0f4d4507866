// Package pipeline grades one model response end to end: parse, materialize,
// install, lease a port, launch, screenshot, judge, and clean up.
//
// Grade never fails. Every error inside an attempt is logged with the request
// id, classified, turned into a zero score, and still routed through cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/webgrade/pkg/archive"
	"github.com/3leaps/webgrade/pkg/artifact"
	"github.com/3leaps/webgrade/pkg/formatcheck"
	"github.com/3leaps/webgrade/pkg/installer"
	"github.com/3leaps/webgrade/pkg/judge"
	"github.com/3leaps/webgrade/pkg/launcher"
	"github.com/3leaps/webgrade/pkg/output"
	"github.com/3leaps/webgrade/pkg/portalloc"
	"github.com/3leaps/webgrade/pkg/resultstore"
	"github.com/3leaps/webgrade/pkg/screenshot"
	"github.com/3leaps/webgrade/pkg/supervisor"
	"github.com/3leaps/webgrade/pkg/workspace"
)

// DefaultCleanupTimeout bounds cleanup and archiving after an attempt.
const DefaultCleanupTimeout = 30 * time.Second

// Request is one model response to grade.
type Request struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	Response    string `json:"response"`
}

// Outcome describes a finished attempt.
type Outcome struct {
	RequestID string `json:"request_id"`
	Workspace string `json:"workspace,omitempty"`

	FormatCompliant bool `json:"format_compliant"`

	// State is the last state reached before cleanup.
	State State  `json:"state"`
	Code  string `json:"code"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	LeasedPort   int                     `json:"leased_port,omitempty"`
	Port         int                     `json:"port,omitempty"`
	ConfigCase   launcher.Case           `json:"config_case,omitempty"`
	InstallTiers []installer.CommandTier `json:"install_tiers,omitempty"`
	Advisories   []string                `json:"advisories,omitempty"`
	Screenshots  []string                `json:"screenshots,omitempty"`

	JudgeText string  `json:"judge_text,omitempty"`
	Grade     int     `json:"grade"`
	Score     float64 `json:"score"`

	ArchiveURI string `json:"archive_uri,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Installer runs a project's install commands.
type Installer interface {
	Install(ctx context.Context, ws *workspace.Workspace, commands []string) (*installer.Result, error)
}

// PortAllocator leases ports.
type PortAllocator interface {
	Acquire(ctx context.Context, owner string) (portalloc.Lease, error)
	Release(port int) error
}

// Launcher configures, starts and locates a dev server.
type Launcher interface {
	Configure(ws *workspace.Workspace) (launcher.Case, string, error)
	Start(ctx context.Context, ws *workspace.Workspace, lease portalloc.Lease, startCmd string) (*supervisor.Record, error)
	Discover(ctx context.Context, ws *workspace.Workspace) (int, error)
}

// Recorder persists outcomes.
type Recorder interface {
	Record(ctx context.Context, r resultstore.Result) (int64, error)
}

// Config wires a Grader.
type Config struct {
	// Rank identifies this worker; it names workspaces.
	Rank int

	// RunID is stamped on recorded results.
	RunID string

	Workspaces *workspace.Manager
	Installer  Installer
	Ports      PortAllocator
	Supervisor supervisor.Supervisor

	// Launcher defaults to launcher.New over Supervisor.
	Launcher Launcher

	Capturer screenshot.Capturer
	Judge    judge.Judge

	// Validator gates entry; nil uses formatcheck.Compliant.
	Validator func(response string) bool

	// Optional durable outputs.
	Archive  archive.Sink
	Recorder Recorder
	Events   output.Writer
	Rollouts output.Writer

	Observer Observer
	Logger   *zap.Logger

	CleanupTimeout time.Duration
	Now            func() time.Time
}

// Grader runs grading attempts. It is safe for concurrent use; attempts
// share only the port allocator and the supervisor.
type Grader struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Grader.
func New(cfg Config) (*Grader, error) {
	if cfg.Workspaces == nil {
		return nil, errors.New("pipeline: workspace manager is required")
	}
	if cfg.Installer == nil {
		return nil, errors.New("pipeline: installer is required")
	}
	if cfg.Ports == nil {
		return nil, errors.New("pipeline: port allocator is required")
	}
	if cfg.Supervisor == nil {
		return nil, errors.New("pipeline: supervisor is required")
	}
	if cfg.Capturer == nil {
		return nil, errors.New("pipeline: screenshot capturer is required")
	}
	if cfg.Judge == nil {
		return nil, errors.New("pipeline: judge is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Launcher == nil {
		l, err := launcher.New(launcher.Config{Supervisor: cfg.Supervisor, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Launcher = l
	}
	if cfg.Validator == nil {
		cfg.Validator = formatcheck.Compliant
	}
	if cfg.Events == nil {
		cfg.Events = output.Discard
	}
	if cfg.Rollouts == nil {
		cfg.Rollouts = output.Discard
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Grader{cfg: cfg, logger: cfg.Logger}, nil
}

// Grade returns the numeric score for req. It never fails; any error
// yields 0.
func (g *Grader) Grade(ctx context.Context, req Request) float64 {
	return g.GradeDetailed(ctx, req).Score
}

// GradeDetailed runs one attempt and returns its full outcome. The result
// is never nil, and cleanup has completed by the time it returns.
func (g *Grader) GradeDetailed(ctx context.Context, req Request) (out *Outcome) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	out = &Outcome{RequestID: req.ID, StartedAt: g.cfg.Now().UTC()}

	a := &attempt{
		g:   g,
		req: req,
		out: out,
		log: g.logger.With(zap.String("request_id", req.ID), zap.Int("rank", g.cfg.Rank)),
	}
	a.m = &machine{
		requestID: req.ID,
		state:     StatePending,
		observer:  Observers{g.cfg.Observer, ObserverFunc(a.emit)},
		now:       g.cfg.Now,
	}

	g.writeRollout(ctx, req, a.log)

	defer func() {
		if r := recover(); r != nil {
			a.fail(a.m.current(), fmt.Errorf("panic: %v", r))
			a.log.Error("Grading attempt panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		a.finish(ctx)
	}()

	if err := a.run(ctx); err != nil {
		a.fail(a.m.current(), err)
	}
	return out
}

func (g *Grader) writeRollout(ctx context.Context, req Request, log *zap.Logger) {
	err := g.cfg.Rollouts.WriteRollout(ctx, &output.RolloutRecord{
		ProblemID:     req.ID,
		Instruction:   req.Instruction,
		ModelResponse: req.Response,
	})
	if err != nil {
		log.Warn("Failed to write rollout record", zap.Error(err))
	}
}

// attempt is the mutable state of one GradeDetailed call.
type attempt struct {
	g   *Grader
	req Request
	out *Outcome
	m   *machine
	log *zap.Logger

	ws           *workspace.Workspace
	lease        *portalloc.Lease
	startCalled  bool
	cleanupOnce  sync.Once
	judgeFailure error
}

func (a *attempt) run(ctx context.Context) error {
	cfg := a.g.cfg

	art, err := artifact.Parse(a.req.Response)
	if err != nil {
		return err
	}
	if !cfg.Validator(a.req.Response) {
		return ErrFormatInvalid
	}
	a.out.FormatCompliant = true

	ws, err := cfg.Workspaces.Create(cfg.Rank, a.req.ID)
	if err != nil {
		return fmt.Errorf("%w: %w", workspace.ErrMaterializeFailed, err)
	}
	a.ws = ws
	a.out.Workspace = ws.Name
	a.log = a.log.With(zap.String("workspace", ws.Name))
	a.m.setWorkspace(ws.Name)
	a.m.advance(StateCreated, map[string]any{"dir": ws.Dir})

	proj, err := workspace.Materialize(ws, art)
	if err != nil {
		return err
	}
	a.out.Advisories = proj.Advisories
	for _, adv := range proj.Advisories {
		a.log.Warn("Project manifest advisory", zap.String("advisory", adv))
	}
	a.m.advance(StateFilesWritten, map[string]any{"files": len(proj.Files)})

	res, err := cfg.Installer.Install(ctx, ws, proj.Commands.Install)
	if err != nil {
		return err
	}
	if res != nil {
		a.out.InstallTiers = res.Tiers
	}
	a.m.advance(StateInstalled, nil)

	lease, err := cfg.Ports.Acquire(ctx, ws.Name)
	if err != nil {
		return err
	}
	a.lease = &lease
	a.out.LeasedPort = lease.Port
	a.m.advance(StatePortLeased, map[string]any{"port": lease.Port})

	c, path, err := cfg.Launcher.Configure(ws)
	if err != nil {
		return err
	}
	a.out.ConfigCase = c
	a.m.advance(StateConfigRewritten, map[string]any{"case": string(c), "config": path})

	a.startCalled = true
	if _, err := cfg.Launcher.Start(ctx, ws, lease, proj.Commands.Start); err != nil {
		return err
	}
	a.m.advance(StateStarted, map[string]any{"command": proj.Commands.Start})

	port, err := cfg.Launcher.Discover(ctx, ws)
	if err != nil {
		return err
	}
	a.out.Port = port
	a.m.advance(StatePortDiscovered, map[string]any{"port": port})

	shots, err := cfg.Capturer.Capture(ctx, "http://localhost:"+strconv.Itoa(port)+"/", ws.ShotsDir())
	if err != nil {
		return err
	}
	a.out.Screenshots = shots
	a.m.advance(StateCaptured, map[string]any{"screenshots": len(shots)})

	text, err := cfg.Judge.Evaluate(ctx, shots, a.req.Instruction)
	if err != nil {
		// The judge degrades to its fallback text; the attempt still
		// produces a result record.
		a.judgeFailure = err
		a.log.Warn("Judge unavailable, using fallback grade", zap.Error(err))
	}
	a.out.JudgeText = text
	a.out.Grade = judge.ExtractGrade(text)
	a.out.Score = float64(a.out.Grade)
	a.m.advance(StateJudged, map[string]any{"grade": a.out.Grade})

	if err := WriteResult(ws, a.req.Instruction, text, a.out.Grade); err != nil {
		a.log.Warn("Failed to write result record", zap.Error(err))
	}
	return nil
}

// fail records err as the attempt's error. Scores are zeroed for every
// failure except judge degradation, which already carries a zero grade.
func (a *attempt) fail(stage State, err error) {
	a.out.Err = &StageError{Stage: stage, Err: err}
	a.out.Score = 0
	a.out.Grade = 0
}

// finish archives, cleans up and records the outcome.
func (a *attempt) finish(ctx context.Context) {
	if a.out.Err == nil && a.judgeFailure != nil {
		a.out.Err = &StageError{Stage: StateJudged, Err: a.judgeFailure}
	}
	a.out.State = a.m.current()
	a.out.Code = Classify(a.out.Err)
	if a.out.Err != nil {
		a.out.Error = a.out.Err.Error()
		if a.out.Code == CodeNoArtifact || a.out.Code == CodeFormatInvalid {
			a.log.Info("Skipping response", zap.String("code", a.out.Code), zap.Error(a.out.Err))
		} else {
			a.log.Warn("Grading attempt failed", zap.String("code", a.out.Code), zap.Error(a.out.Err))
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.g.cfg.CleanupTimeout)
	defer cancel()

	a.archive(cctx)
	a.cleanup(cctx)

	a.out.EndedAt = a.g.cfg.Now().UTC()
	a.record(cctx)

	a.log.Info("Graded response",
		zap.Float64("score", a.out.Score),
		zap.String("code", a.out.Code),
		zap.String("state", string(a.out.State)),
		zap.Duration("duration", a.out.EndedAt.Sub(a.out.StartedAt)))
}

func (a *attempt) archive(ctx context.Context) {
	if a.g.cfg.Archive == nil || a.ws == nil {
		return
	}
	uri, err := a.g.cfg.Archive.Archive(ctx, a.req.ID+"/"+a.ws.Name, a.ws.Dir)
	if err != nil {
		a.log.Warn("Failed to archive workspace outputs", zap.Error(err))
		return
	}
	a.out.ArchiveURI = uri
}

// cleanup stops the service, removes the workspace and releases the lease.
// It runs at most once and never fails the attempt.
func (a *attempt) cleanup(ctx context.Context) {
	a.cleanupOnce.Do(func() {
		a.m.advance(StateCleanup, nil)
		cfg := a.g.cfg

		if a.startCalled {
			if err := cfg.Supervisor.Stop(ctx, a.ws.Name); err != nil && !errors.Is(err, supervisor.ErrUnknownService) {
				a.log.Warn("Failed to stop service", zap.Error(err))
			}
		}
		if a.ws != nil {
			if err := cfg.Workspaces.Remove(a.ws); err != nil {
				a.log.Warn("Failed to remove workspace", zap.Error(err))
			}
		}
		if a.lease != nil {
			if err := cfg.Ports.Release(a.lease.Port); err != nil {
				a.log.Warn("Failed to release port", zap.Int("port", a.lease.Port), zap.Error(err))
			}
		}
	})
}

func (a *attempt) record(ctx context.Context) {
	cfg := a.g.cfg
	if cfg.Recorder != nil {
		_, err := cfg.Recorder.Record(ctx, resultstore.Result{
			RunID:           cfg.RunID,
			RequestID:       a.out.RequestID,
			Rank:            cfg.Rank,
			Workspace:       a.out.Workspace,
			FormatCompliant: a.out.FormatCompliant,
			State:           string(a.out.State),
			Code:            a.out.Code,
			Error:           a.out.Error,
			Port:            a.out.Port,
			Score:           a.out.Score,
			JudgeText:       a.out.JudgeText,
			ArchiveURI:      a.out.ArchiveURI,
			StartedAt:       a.out.StartedAt,
			EndedAt:         a.out.EndedAt,
		})
		if err != nil {
			a.log.Warn("Failed to record result", zap.Error(err))
		}
	}

	err := cfg.Events.WriteOutcome(ctx, OutcomeRecord(a.out))
	if err != nil {
		a.log.Warn("Failed to write outcome record", zap.Error(err))
	}
}

// emit forwards a transition to the event stream.
func (a *attempt) emit(t Transition) {
	err := a.g.cfg.Events.WriteTransition(context.Background(), &output.TransitionRecord{
		RequestID: t.RequestID,
		Workspace: t.Workspace,
		From:      string(t.From),
		To:        string(t.To),
		Detail:    t.Detail,
	})
	if err != nil {
		a.log.Debug("Failed to write transition record", zap.Error(err))
	}
}

// OutcomeRecord converts an outcome to its JSONL payload.
func OutcomeRecord(o *Outcome) *output.OutcomeRecord {
	return &output.OutcomeRecord{
		RequestID:       o.RequestID,
		Workspace:       o.Workspace,
		FormatCompliant: o.FormatCompliant,
		State:           string(o.State),
		Code:            o.Code,
		Error:           o.Error,
		Port:            o.Port,
		Score:           o.Score,
		JudgeText:       o.JudgeText,
		Screenshots:     o.Screenshots,
		StartedAt:       o.StartedAt,
		DurationMs:      o.EndedAt.Sub(o.StartedAt).Milliseconds(),
	}
}
