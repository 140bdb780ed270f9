package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/logging"
)

// StartParams describes one inbound or outbound call being admitted.
type StartParams struct {
	CallID       string
	CustomerID   string
	FromNumber   string
	SystemPrompt string
	TraceID      string
}

// Manager owns the live-session registry. Sessions are keyed both by
// session ID and by call ID; one call maps to at most one session.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	byID   sync.Map // session ID -> *Session
	byCall sync.Map // call ID -> *Session
}

// NewManager builds a Manager sharing cfg across all sessions it
// creates.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "session_manager"),
	}
}

// Create admits a call: allocates the session, opens its recognition
// connection and starts the processing loop. A call ID that already has
// a live session is rejected.
func (m *Manager) Create(p StartParams) (*Session, error) {
	if p.CallID == "" {
		return nil, errorsx.Errorf(errorsx.ReasonSessionState, "call id is required")
	}
	customerID := p.CustomerID
	if customerID == "" {
		// The caller's number is the only identity inbound calls carry.
		customerID = p.FromNumber
	}
	s := newSession(uuid.NewString(), p.CallID, customerID, p.SystemPrompt, p.TraceID, m.cfg)
	if _, loaded := m.byCall.LoadOrStore(p.CallID, s); loaded {
		return nil, errorsx.Errorf(errorsx.ReasonSessionDuplicate, "call %s already has a session", p.CallID)
	}
	m.byID.Store(s.ID, s)

	if err := s.openRecognizer(); err != nil {
		m.byCall.Delete(p.CallID)
		m.byID.Delete(s.ID)
		s.shutdown("recognition_open_failed")
		return nil, errorsx.Wrap(err, errorsx.ReasonASRConnect)
	}

	s.onEnd = func(reason string) {
		// Runs on the session loop; End never blocks on the loop, so
		// escalating from inside it is safe.
		go m.End(s.ID, reason)
	}
	go s.run()

	m.logger.Info("session_created",
		slog.String("call_id", p.CallID),
		slog.String("session_id", s.ID),
		slog.String("customer_id", customerID))
	return s, nil
}

// Get returns the session with the given session ID.
func (m *Manager) Get(id string) (*Session, bool) {
	v, ok := m.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// GetByCall returns the session handling the given call.
func (m *Manager) GetByCall(callID string) (*Session, bool) {
	v, ok := m.byCall.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// HandleAudio routes one telephony chunk to the call's session. Audio
// for an unknown call is dropped with a warning; hangup races make this
// normal, not an error.
func (m *Manager) HandleAudio(callID string, chunk []byte) {
	s, ok := m.GetByCall(callID)
	if !ok {
		m.logger.Warn("audio_for_unknown_call", slog.String("call_id", callID))
		return
	}
	s.Enqueue(AudioArrived{Chunk: chunk})
}

// HandleCallEnd routes the gateway's end-of-call signal through the
// session inbox, so teardown is ordered after the events already queued
// ahead of it. An unknown call is a no-op; hangup races make this
// normal.
func (m *Manager) HandleCallEnd(callID, reason string) {
	s, ok := m.GetByCall(callID)
	if !ok {
		m.logger.Warn("call_end_for_unknown_call", slog.String("call_id", callID))
		return
	}
	s.enqueueFromPipeline(CallEnded{Reason: reason})
}

// End tears a session down: lifecycle to ENDED, in-flight work
// canceled, recognition closed, transcript persisted exactly once, and
// the registry entries removed. Ending an already-ended or unknown
// session is a no-op.
func (m *Manager) End(id, reason string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	turns := s.shutdown(reason)
	if err := s.persist(turns); err != nil {
		// Teardown still completes; the call is over either way.
		m.logger.Error("transcript_persist_failed",
			slog.String("call_id", s.CallID),
			slog.String("error", err.Error()))
	}
	m.byID.Delete(s.ID)
	m.byCall.Delete(s.CallID)
}

// EndByCall ends the session handling the given call.
func (m *Manager) EndByCall(callID, reason string) {
	if s, ok := m.GetByCall(callID); ok {
		m.End(s.ID, reason)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	n := 0
	m.byID.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll ends every live session; used on engine shutdown.
func (m *Manager) CloseAll(reason string) {
	m.byID.Range(func(key, _ any) bool {
		m.End(key.(string), reason)
		return true
	})
}
