package session

import (
	"sync"
	"time"
)

type State int

const (
	StateActive State = iota
	StateInterrupted
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a lifecycle transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes lifecycle transitions.
type StateListener interface {
	OnStateChange(event StateChange)
}

// lifecycle is the per-session state machine. ACTIVE and INTERRUPTED
// alternate during barge-in handling; ENDED is terminal.
type lifecycle struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func newLifecycle() *lifecycle {
	return &lifecycle{current: StateActive}
}

func (l *lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// transitionValid checks transition legality (must be called with lock held).
func (l *lifecycle) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateActive:      {StateInterrupted, StateEnded},
		StateInterrupted: {StateActive, StateEnded},
		StateEnded:       {},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (l *lifecycle) Transition(to State, reason string) error {
	l.mu.Lock()
	if !l.transitionValid(l.current, to) {
		from := l.current
		l.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	from := l.current
	l.current = to
	listeners := make([]StateListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for lifecycle transitions.
func (l *lifecycle) AddListener(listener StateListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// InvalidTransitionError represents an invalid lifecycle transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid lifecycle transition from " + e.From.String() + " to " + e.To.String()
}
