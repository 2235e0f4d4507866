// Package supervisor starts, stops and tracks the dev-server processes that
// are launched for grading.
//
// Two backends implement Supervisor: PM2 delegates to the pm2 process
// manager through a generated ecosystem file, and Local spawns the process
// directly in its own process group. Both persist a Record per service in a
// Store so stale entries can be inspected and cleaned up after a crash.
package supervisor

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownService is returned for names with no registered service.
var ErrUnknownService = errors.New("unknown service")

// State is the lifecycle state of a supervised service.
//
// NOTE: These values are persisted in service.json.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Descriptor describes a service to start.
type Descriptor struct {
	// Name uniquely identifies the service; starting a name that is already
	// registered replaces the old entry.
	Name string

	// Dir is the working directory.
	Dir string

	Script string
	Args   []string
	Env    map[string]string

	// Port is the leased port passed to the service, recorded for operators.
	Port int

	OutLog string
	ErrLog string

	// ConfigPath is where backends that need a config file write it.
	ConfigPath string
}

// LogPaths locates a service's captured output.
type LogPaths struct {
	Out string `json:"out"`
	Err string `json:"err"`
}

// Record is the persistent record written to service.json.
type Record struct {
	Name       string     `json:"name"`
	Backend    string     `json:"backend"`
	State      State      `json:"state"`
	Dir        string     `json:"dir"`
	Port       int        `json:"port,omitempty"`
	PID        int        `json:"pid,omitempty"`
	ConfigPath string     `json:"config_path,omitempty"`
	Logs       LogPaths   `json:"logs"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Supervisor is the narrow process-manager surface the launcher and the
// pipeline depend on.
type Supervisor interface {
	// Start registers and starts a service, replacing any previous entry
	// with the same name.
	Start(ctx context.Context, d Descriptor) (*Record, error)

	// Stop terminates a service and removes its entry. Stopping an unknown
	// name is not an error.
	Stop(ctx context.Context, name string) error

	// Logs returns where the service's output is captured.
	Logs(name string) (LogPaths, error)
}
