package pipeline

import (
	"sync"
	"time"
)

// State is a step in one grading attempt.
type State string

const (
	StatePending         State = "pending"
	StateCreated         State = "created"
	StateFilesWritten    State = "files_written"
	StateInstalled       State = "installed"
	StatePortLeased      State = "port_leased"
	StateConfigRewritten State = "config_rewritten"
	StateStarted         State = "started"
	StatePortDiscovered  State = "port_discovered"
	StateCaptured        State = "captured"
	StateJudged          State = "judged"
	StateCleanup         State = "cleanup"
)

// order ranks states along the happy path.
var order = map[State]int{
	StatePending:         0,
	StateCreated:         1,
	StateFilesWritten:    2,
	StateInstalled:       3,
	StatePortLeased:      4,
	StateConfigRewritten: 5,
	StateStarted:         6,
	StatePortDiscovered:  7,
	StateCaptured:        8,
	StateJudged:          9,
	StateCleanup:         10,
}

// Reached reports whether s is at or beyond target on the happy path.
func (s State) Reached(target State) bool {
	return order[s] >= order[target]
}

// Transition is one state change of an attempt.
type Transition struct {
	RequestID string         `json:"request_id"`
	Workspace string         `json:"workspace,omitempty"`
	From      State          `json:"from,omitempty"`
	To        State          `json:"to"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Observer receives every transition of every attempt. Implementations
// must be safe for concurrent use and must not block.
type Observer interface {
	OnTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Observers fans a transition out to several observers.
type Observers []Observer

func (o Observers) OnTransition(t Transition) {
	for _, obs := range o {
		if obs != nil {
			obs.OnTransition(t)
		}
	}
}

// machine tracks one attempt's current state. Cleanup may only be entered
// once.
type machine struct {
	mu        sync.Mutex
	requestID string
	workspace string
	state     State
	observer  Observer
	now       func() time.Time
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) setWorkspace(name string) {
	m.mu.Lock()
	m.workspace = name
	m.mu.Unlock()
}

// advance moves to next and notifies the observer. It returns false if the
// attempt is already in cleanup.
func (m *machine) advance(next State, detail map[string]any) bool {
	m.mu.Lock()
	if m.state == StateCleanup {
		m.mu.Unlock()
		return false
	}
	t := Transition{
		RequestID: m.requestID,
		Workspace: m.workspace,
		From:      m.state,
		To:        next,
		At:        m.now(),
		Detail:    detail,
	}
	m.state = next
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.OnTransition(t)
	}
	return true
}
