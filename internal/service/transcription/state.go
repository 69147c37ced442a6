package transcription

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a transcription session.
type State int

const (
	// StateValidating - request inputs are being checked; no work dispatched.
	StateValidating State = iota
	// StateLoadingModel - a load_model task is in the pool.
	StateLoadingModel
	// StateStaging - the upload is being written to scratch.
	StateStaging
	// StateTranscribing - a transcribe task is in the pool.
	StateTranscribing
	// StateSucceeded - a result is ready.
	StateSucceeded
	// StateFailed - the session ended with an error.
	StateFailed
	// StateCleaned - scratch released. Terminal.
	StateCleaned
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateValidating:
		return "VALIDATING"
	case StateLoadingModel:
		return "LOADING_MODEL"
	case StateStaging:
		return "STAGING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCleaned:
		return "CLEANED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsOutcome returns true for SUCCEEDED and FAILED.
func (s State) IsOutcome() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Lifecycle manages the state machine for a single session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	VALIDATING → LOADING_MODEL → STAGING → TRANSCRIBING → SUCCEEDED → CLEANED
//	     │             │            │             │
//	     └─────────────┴────────────┴─────────────┴──→ FAILED → CLEANED
//
// Rules:
//   - Forward steps happen in order; none may be skipped.
//   - Fail is allowed from any non-terminal, non-outcome state.
//   - Clean is allowed only from an outcome state and happens once.
type Lifecycle struct {
	mu        sync.RWMutex
	sessionID string
	state     State
}

// NewLifecycle creates a lifecycle in VALIDATING state.
func NewLifecycle(sessionID string) *Lifecycle {
	return &Lifecycle{
		sessionID: sessionID,
		state:     StateValidating,
	}
}

// SessionID returns the session ID.
func (l *Lifecycle) SessionID() string {
	return l.sessionID
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

var next = map[State]State{
	StateValidating:   StateLoadingModel,
	StateLoadingModel: StateStaging,
	StateStaging:      StateTranscribing,
	StateTranscribing: StateSucceeded,
}

// Advance moves to the given forward state.
func (l *Lifecycle) Advance(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if want, ok := next[l.state]; !ok || want != to {
		return fmt.Errorf("%w: %v → %v", ErrInvalidTransition, l.state, to)
	}
	l.state = to
	return nil
}

// Fail transitions to FAILED. Returns false if the session already reached
// an outcome.
func (l *Lifecycle) Fail() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsOutcome() || l.state == StateCleaned {
		return false
	}
	l.state = StateFailed
	return true
}

// Clean transitions an outcome state to CLEANED.
func (l *Lifecycle) Clean() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.IsOutcome() {
		return fmt.Errorf("%w: %v → %v", ErrInvalidTransition, l.state, StateCleaned)
	}
	l.state = StateCleaned
	return nil
}
