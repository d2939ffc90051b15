// Package auth holds the credential lifecycle for a Signal K server: the
// bearer token, the auth state machine, and the interactive access-request
// handshake used to obtain a token from an operator.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State is the credential lifecycle state.
type State string

const (
	StateNone    State = "none"
	StatePending State = "pending"
	StateGranted State = "granted"
	StateFailed  State = "failed"
)

// Events driving the auth state machine.
const (
	eventTokenSet      = "token_set"
	eventTokenCleared  = "token_cleared"
	eventFailure       = "failure"
	eventSuccess       = "success"
	eventRequestActive = "request_active"
)

// maxErrorLen bounds error strings surfaced to consumers.
const maxErrorLen = 200

// Manager tracks token presence, auth state, the last error and success
// timestamp, and whether an access-request handshake is in flight. It does
// no I/O. All methods are safe for concurrent use and reads observe a
// consistent snapshot.
type Manager struct {
	mu            sync.Mutex
	machine       *fsm.FSM
	token         string
	lastError     string
	lastSuccess   time.Time
	requestActive bool
}

// Summary is a consistent snapshot of the manager's observable state.
type Summary struct {
	State         State     `json:"state"`
	HasToken      bool      `json:"hasToken"`
	LastError     string    `json:"lastError,omitempty"`
	LastSuccess   time.Time `json:"lastSuccess"`
	RequestActive bool      `json:"requestActive"`
}

// NewManager returns a Manager in StateNone, or StateGranted when a token
// is already configured.
func NewManager(token string) *Manager {
	m := &Manager{token: token}

	initial := StateNone
	if token != "" {
		initial = StateGranted
	}

	all := []string{
		string(StateNone), string(StatePending),
		string(StateGranted), string(StateFailed),
	}

	m.machine = fsm.NewFSM(string(initial),
		fsm.Events{
			{Name: eventTokenSet, Src: []string{string(StateNone), string(StateGranted)}, Dst: string(StateGranted)},
			{Name: eventTokenCleared, Src: []string{string(StateNone), string(StatePending), string(StateGranted)}, Dst: string(StateNone)},
			{Name: eventFailure, Src: all, Dst: string(StateFailed)},
			{Name: eventSuccess, Src: []string{string(StateFailed), string(StatePending)}, Dst: string(StateGranted)},
			{Name: eventRequestActive, Src: all, Dst: string(StatePending)},
		},
		fsm.Callbacks{
			"before_" + eventSuccess: func(_ context.Context, e *fsm.Event) {
				// Success without a token is meaningless; stay put.
				if m.token == "" {
					e.Cancel()
				}
			},
		},
	)

	return m
}

// fire drives the machine, treating disallowed transitions as no-ops. The
// transition table is authoritative; callers are free to invoke any method
// from any state.
func (m *Manager) fire(event string) {
	_ = m.machine.Event(context.Background(), event)
}

// UpdateToken stores a new token. A non-empty token grants access; an empty
// token clears it (unless the manager is in StateFailed, which only
// MarkSuccess or MarkFailure can leave).
func (m *Manager) UpdateToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = token
	if token != "" {
		m.fire(eventTokenSet)
	} else {
		m.fire(eventTokenCleared)
	}
}

// MarkFailure records an error (truncated to 200 characters) and moves to
// StateFailed. Any in-flight access request is considered over.
func (m *Manager) MarkFailure(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = truncate(msg, maxErrorLen)
	m.requestActive = false
	m.fire(eventFailure)
}

// MarkSuccess records a successful authentication. It only takes effect
// from StateFailed or StatePending, and only when a token is present.
func (m *Manager) MarkSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.machine.Current()) == StateFailed || State(m.machine.Current()) == StatePending {
		m.fire(eventSuccess)
		if State(m.machine.Current()) == StateGranted {
			m.lastError = ""
			m.lastSuccess = time.Now()
			m.requestActive = false
		}
	}
}

// MarkAccessRequestActive flags that an access-request handshake is in
// flight and moves to StatePending.
func (m *Manager) MarkAccessRequestActive() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestActive = true
	m.fire(eventRequestActive)
}

// Token returns the current bearer token, empty if none.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// State returns the current auth state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.machine.Current())
}

// Summary returns a consistent snapshot of the observable auth state.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Summary{
		State:         State(m.machine.Current()),
		HasToken:      m.token != "",
		LastError:     m.lastError,
		LastSuccess:   m.lastSuccess,
		RequestActive: m.requestActive,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
