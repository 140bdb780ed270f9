package session

import (
	"errors"
	"sync"
	"testing"
)

type recordingListener struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *recordingListener) OnStateChange(ev StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, ev)
}

func TestLifecycleBargeInCycle(t *testing.T) {
	l := newLifecycle()
	if l.State() != StateActive {
		t.Fatalf("initial state = %v, want %v", l.State(), StateActive)
	}
	if err := l.Transition(StateInterrupted, "barge_in"); err != nil {
		t.Fatalf("active->interrupted: %v", err)
	}
	if err := l.Transition(StateActive, "barge_in_handled"); err != nil {
		t.Fatalf("interrupted->active: %v", err)
	}
	if err := l.Transition(StateEnded, "caller_hangup"); err != nil {
		t.Fatalf("active->ended: %v", err)
	}
}

func TestLifecycleEndedIsTerminal(t *testing.T) {
	l := newLifecycle()
	if err := l.Transition(StateEnded, "caller_hangup"); err != nil {
		t.Fatalf("active->ended: %v", err)
	}
	err := l.Transition(StateActive, "revive")
	var inv *InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("ended->active err = %v, want InvalidTransitionError", err)
	}
	if inv.From != StateEnded || inv.To != StateActive {
		t.Fatalf("error states = %v -> %v", inv.From, inv.To)
	}
}

func TestLifecycleEndFromInterrupted(t *testing.T) {
	l := newLifecycle()
	if err := l.Transition(StateInterrupted, "barge_in"); err != nil {
		t.Fatalf("active->interrupted: %v", err)
	}
	if err := l.Transition(StateEnded, "caller_hangup"); err != nil {
		t.Fatalf("interrupted->ended: %v", err)
	}
}

func TestLifecycleListenersObserveTransitions(t *testing.T) {
	l := newLifecycle()
	rec := &recordingListener{}
	l.AddListener(rec)

	_ = l.Transition(StateInterrupted, "barge_in")
	_ = l.Transition(StateActive, "barge_in_handled")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.changes) != 2 {
		t.Fatalf("listener saw %d changes, want 2", len(rec.changes))
	}
	if rec.changes[0].Reason != "barge_in" || rec.changes[0].ToState != StateInterrupted {
		t.Fatalf("first change = %+v", rec.changes[0])
	}
}
