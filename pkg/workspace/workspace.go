// Package workspace owns the per-attempt project directories: creating a
// uniquely named directory, materializing an artifact into it, and removing
// it again.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ErrMaterializeFailed wraps filesystem failures while writing a project.
var ErrMaterializeFailed = errors.New("materialize failed")

// File and directory names inside a workspace.
const (
	InstallScriptName = "install_dependencies.sh"
	StartScriptName   = "start_server.sh"
	WrapperName       = "start-wrapper.cjs"
	ServicesFileName  = "services.json"
	OutLogName        = "out.log"
	ErrLogName        = "err.log"
	InstallLogName    = "install.log"
	ShotsDirName      = "shots"
	NodeModulesName   = "node_modules"
	ResultFileName    = "appearance_result.json"
)

// Workspace is a directory dedicated to one grading attempt.
//
// Name is the directory basename and doubles as the supervised service
// name, so it is unique across ranks, processes and requests.
type Workspace struct {
	Name      string    `json:"name"`
	Dir       string    `json:"dir"`
	Rank      int       `json:"rank"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Dir}, elem...)...)
}

func (w *Workspace) InstallScript() string { return w.Path(InstallScriptName) }
func (w *Workspace) StartScript() string   { return w.Path(StartScriptName) }
func (w *Workspace) OutLog() string        { return w.Path(OutLogName) }
func (w *Workspace) ErrLog() string        { return w.Path(ErrLogName) }
func (w *Workspace) ShotsDir() string      { return w.Path(ShotsDirName) }

// EcosystemPath is the process-manager config, kept next to (not inside)
// the workspace directory.
func (w *Workspace) EcosystemPath() string {
	return filepath.Join(filepath.Dir(w.Dir), w.Name+"_ecosystem.config.js")
}

// Manager creates and removes workspaces under a root directory.
type Manager struct {
	root string
	pid  int
	now  func() time.Time
}

// NewManager returns a manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{
		root: root,
		pid:  os.Getpid(),
		now:  time.Now,
	}
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string {
	return m.root
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Create makes a fresh, empty workspace directory.
func (m *Manager) Create(rank int, requestID string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	label := unsafeNameChars.ReplaceAllString(requestID, "-")
	if len(label) > 40 {
		label = label[:40]
	}
	if label == "" {
		label = "req"
	}
	name := fmt.Sprintf("rank%d_pid%d_%s_%s", rank, m.pid, label, uuid.NewString()[:8])

	dir := filepath.Join(m.root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	return &Workspace{
		Name:      name,
		Dir:       dir,
		Rank:      rank,
		RequestID: requestID,
		CreatedAt: m.now().UTC(),
	}, nil
}

// Remove deletes the workspace directory and its process-manager config.
// Missing paths are not an error.
func (m *Manager) Remove(ws *Workspace) error {
	var errs []error
	if err := os.RemoveAll(ws.Dir); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	if err := os.Remove(ws.EcosystemPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove ecosystem config: %w", err))
	}
	return errors.Join(errs...)
}
