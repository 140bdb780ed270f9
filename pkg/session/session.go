package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/asr"
	"github.com/yyup/voicebridge/pkg/adapters/synth"
	"github.com/yyup/voicebridge/pkg/audio"
	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/llm"
	"github.com/yyup/voicebridge/pkg/logging"
	"github.com/yyup/voicebridge/pkg/metrics"
	"github.com/yyup/voicebridge/pkg/redact"
	"github.com/yyup/voicebridge/pkg/resilience"
	"github.com/yyup/voicebridge/pkg/transcript"
)

// Gateway is the outbound half of the telephony boundary. EmitAudio is
// fire-and-forget playback; Clear drops any audio the gateway has
// buffered for playback (used on barge-in); EmitError reports an
// unrecoverable session failure.
type Gateway interface {
	EmitAudio(callID string, chunk []byte) error
	Clear(callID string) error
	EmitError(callID string, reason string) error
}

// Config carries the collaborators and tuning for sessions. One Config
// is shared by the Manager across all sessions; every field except the
// factories is read-only after construction.
type Config struct {
	NewRecognizer func(cfg asr.Config) asr.StreamingRecognizer
	Generator     llm.Generator
	Synthesizer   synth.Synthesizer
	Store         transcript.Store
	Gateway       Gateway

	Voice    synth.VoiceParams
	Greeting string
	Language string

	OpenTimeout       time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	PersistTimeout    time.Duration

	// Reconnect bounds recovery of a dropped recognition stream;
	// MaxRetries+1 attempts with doubling backoff, then the session
	// ends with the failure cause.
	Reconnect resilience.RetryPolicy

	InboxSize int
	Observer  metrics.Observer
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 20 * time.Second
	}
	if c.SynthesizeTimeout <= 0 {
		c.SynthesizeTimeout = 15 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.Reconnect.MaxRetries <= 0 {
		c.Reconnect = resilience.NewRetryPolicy(2, 500*time.Millisecond)
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 512
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one live call: identity, the append-only turn history, the
// exclusively owned recognition connection, and the inbox consumed by
// the session's single processing loop.
type Session struct {
	ID           string
	CallID       string
	CustomerID   string
	SystemPrompt string
	TraceID      string

	cfg    Config
	life   *lifecycle
	inbox  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu    sync.Mutex
	turns []llm.Turn

	// Recognition connection; replaced on reconnect, closed exactly
	// once per connection.
	recMu  sync.Mutex
	rec    asr.StreamingRecognizer
	connID int

	// Reply-path bookkeeping. turnSeq and replyInFlight are owned by
	// the processing loop; the turn context is also cancelled from
	// shutdown, so turnMu guards it.
	turnSeq       int
	replyInFlight bool
	turnMu        sync.Mutex
	turnCtx       context.Context
	turnCancel    context.CancelFunc

	endOnce     sync.Once
	persistOnce sync.Once
	done        chan struct{}

	// onEnd escalates loop-detected failures to the Manager so teardown
	// and persistence run through the same idempotent path.
	onEnd func(reason string)
}

func newSession(id, callID, customerID, systemPrompt, traceID string, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		CallID:       callID,
		CustomerID:   customerID,
		SystemPrompt: systemPrompt,
		TraceID:      traceID,
		cfg:          cfg,
		life:         newLifecycle(),
		inbox:        make(chan Event, cfg.InboxSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.logger = logging.NewComponentLogger(cfg.Logger, "session").With(
		slog.String("call_id", callID),
		slog.String("session_id", id),
	)
	s.life.AddListener(stateRecorder{s})
	return s
}

// stateRecorder mirrors lifecycle transitions onto the metrics stream.
type stateRecorder struct {
	s *Session
}

func (r stateRecorder) OnStateChange(ev StateChange) {
	r.s.record("session_state_change", 0, map[string]string{
		"from":  ev.FromState.String(),
		"to":    ev.ToState.String(),
		"cause": ev.Reason,
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.life.State() }

// Turns returns a snapshot of the turn history.
func (s *Session) Turns() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Done closes when the processing loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Enqueue posts an event to the session inbox. Events for an ended
// session are dropped with a warning, never surfaced as errors.
func (s *Session) Enqueue(ev Event) {
	if s.life.State() == StateEnded {
		s.logger.Warn("event_for_ended_session_dropped")
		return
	}
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	default:
		// The inbox is sized for sustained 20 ms audio chunks; overflow
		// means the loop is stalled, and dropping beats blocking the
		// gateway reader.
		s.logger.Warn("session_inbox_full")
		s.record("session_inbox_drop", 0, nil)
	}
}

// run is the session's processing loop. It is the only goroutine that
// mutates turn bookkeeping, which gives strict per-session ordering.
func (s *Session) run() {
	defer close(s.done)
	if greeting := strings.TrimSpace(s.cfg.Greeting); greeting != "" {
		s.turnSeq++
		s.replyInFlight = true
		s.beginTurn()
		s.handleReplyGenerated(ReplyGenerated{Turn: s.turnSeq, Text: greeting})
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			switch e := ev.(type) {
			case AudioArrived:
				s.handleAudio(e)
			case TextRecognized:
				s.handleText(e)
			case ReplyGenerated:
				s.handleReplyGenerated(e)
			case AudioSynthesized:
				s.handleAudioSynthesized(e)
			case ReplyFailed:
				s.handleReplyFailed(e)
			case ConnectionLost:
				s.handleConnectionLost(e)
			case CallEnded:
				s.logger.Info("call_end_signal", slog.String("reason", e.Reason))
				if s.onEnd != nil {
					s.onEnd(e.Reason)
				}
				return
			}
		}
	}
}

// handleAudio converts and forwards one telephony chunk. Nothing else
// runs on this path; the reply pipeline never delays it.
func (s *Session) handleAudio(ev AudioArrived) {
	start := time.Now()
	pcm, err := audio.TelephonyToRecognition(ev.Chunk)
	if err != nil {
		s.logger.Warn("audio_conversion_failed", slog.String("error", err.Error()))
		s.record("audio_conversion_error", 0, nil)
		return
	}
	rec := s.recognizer()
	if rec == nil {
		s.logger.Warn("audio_without_recognizer")
		return
	}
	if err := rec.SendAudio(pcm); err != nil {
		s.logger.Warn("audio_forward_failed", slog.String("error", err.Error()))
		return
	}
	s.record("audio_forward_us", float64(time.Since(start).Microseconds()), nil)
}

func (s *Session) handleText(ev TextRecognized) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	interrupted := false
	if s.replyInFlight {
		s.interrupt()
		interrupted = true
	}
	if !ev.IsFinal {
		return
	}

	s.logger.Info("user_turn",
		slog.String("text", redact.Text(text)),
		slog.Bool("interrupted_previous", interrupted))
	s.appendTurn(llm.Turn{Role: llm.RoleUser, Text: text})
	s.record("turn_user", 0, nil)

	s.turnSeq++
	s.replyInFlight = true
	seq := s.turnSeq
	tctx := s.beginTurn()
	req := llm.Request{SystemPrompt: s.SystemPrompt, Turns: s.Turns()}

	go func() {
		gctx, gcancel := context.WithTimeout(tctx, s.cfg.GenerateTimeout)
		defer gcancel()
		resp, err := s.cfg.Generator.Generate(gctx, req)
		if tctx.Err() != nil {
			return // interrupted; result discarded
		}
		if err != nil {
			s.enqueueFromPipeline(ReplyFailed{Turn: seq, Stage: "generate", Err: err})
			return
		}
		s.enqueueFromPipeline(ReplyGenerated{Turn: seq, Text: resp.Text})
	}()
}

func (s *Session) handleReplyGenerated(ev ReplyGenerated) {
	if ev.Turn != s.turnSeq || !s.replyInFlight {
		s.logger.Debug("stale_reply_discarded", slog.Int("turn", ev.Turn))
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		s.logger.Warn("empty_reply_generated")
		s.finishTurn()
		return
	}
	s.logger.Info("assistant_turn", slog.String("text", redact.Text(text)))
	s.appendTurn(llm.Turn{Role: llm.RoleAssistant, Text: text})

	seq := ev.Turn
	tctx := s.turnCtx
	go func() {
		sctx, scancel := context.WithTimeout(tctx, s.cfg.SynthesizeTimeout)
		defer scancel()
		pcm, err := s.cfg.Synthesizer.Synthesize(sctx, text, s.cfg.Voice)
		if tctx.Err() != nil {
			return // interrupted; result discarded
		}
		if err != nil {
			s.enqueueFromPipeline(ReplyFailed{Turn: seq, Stage: "synthesize", Err: err})
			return
		}
		if len(pcm) == 0 {
			s.enqueueFromPipeline(ReplyFailed{Turn: seq, Stage: "synthesize", Err: errEmptySynthesis})
			return
		}
		s.enqueueFromPipeline(AudioSynthesized{Turn: seq, PCM: pcm})
	}()
}

func (s *Session) handleAudioSynthesized(ev AudioSynthesized) {
	if ev.Turn != s.turnSeq || !s.replyInFlight {
		s.logger.Debug("stale_audio_discarded", slog.Int("turn", ev.Turn))
		return
	}
	payload, err := audio.SynthesisToTelephony(ev.PCM)
	if err != nil {
		s.logger.Error("reply_audio_conversion_failed", slog.String("error", err.Error()))
		s.finishTurn()
		return
	}
	s.attachReplyAudio(payload)
	if err := s.cfg.Gateway.EmitAudio(s.CallID, payload); err != nil {
		s.logger.Error("emit_audio_failed", slog.String("error", err.Error()))
	}
	s.record("turn_reply_emitted", float64(len(payload)), nil)
	s.finishTurn()
}

func (s *Session) handleReplyFailed(ev ReplyFailed) {
	if ev.Turn != s.turnSeq {
		return
	}
	s.logger.Error("turn_reply_failed",
		slog.String("stage", ev.Stage),
		slog.String("error", ev.Err.Error()))
	s.record("turn_reply_failed", 0, map[string]string{"stage": ev.Stage})
	s.finishTurn()
}

// interrupt cancels the in-flight reply. Late results carry a stale turn
// sequence and are discarded, so the superseded reply never reaches the
// transcript twice.
func (s *Session) interrupt() {
	if err := s.life.Transition(StateInterrupted, "barge_in"); err != nil {
		return
	}
	s.logger.Info("barge_in_detected", slog.Int("turn", s.turnSeq))
	s.cancelTurn()
	s.replyInFlight = false
	if err := s.cfg.Gateway.Clear(s.CallID); err != nil {
		s.logger.Warn("gateway_clear_failed", slog.String("error", err.Error()))
	}
	s.record("barge_in", 0, nil)
	_ = s.life.Transition(StateActive, "barge_in_handled")
}

func (s *Session) handleConnectionLost(ev ConnectionLost) {
	if ev.Conn != s.currentConn() {
		return // stale report from a replaced connection
	}
	s.logger.Warn("recognition_connection_lost", slog.String("error", errString(ev.Err)))
	s.record("asr_connection_lost", 0, nil)

	attempt := 0
	err := s.cfg.Reconnect.DoWithContext(s.ctx, func() error {
		attempt++
		s.logger.Info("recognition_reconnect_attempt", slog.Int("attempt", attempt))
		return s.openRecognizer()
	})
	if err != nil {
		s.logger.Error("recognition_reconnect_exhausted",
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		s.record("asr_reconnect_exhausted", float64(attempt), nil)
		if gerr := s.cfg.Gateway.EmitError(s.CallID, "recognition_unavailable"); gerr != nil {
			s.logger.Warn("emit_error_failed", slog.String("error", gerr.Error()))
		}
		if s.onEnd != nil {
			s.onEnd("recognition_unavailable")
		}
		return
	}
	s.record("asr_reconnected", float64(attempt), nil)
}

// openRecognizer builds and starts a fresh recognition connection,
// closing and replacing the previous one.
func (s *Session) openRecognizer() error {
	rec := s.cfg.NewRecognizer(asr.Config{
		CallID:     s.CallID,
		TraceID:    s.TraceID,
		SampleRate: audio.RecognitionRate,
		Language:   s.cfg.Language,
	})
	octx, ocancel := context.WithTimeout(s.ctx, s.cfg.OpenTimeout)
	defer ocancel()
	if err := rec.Start(octx); err != nil {
		_ = rec.Close()
		return err
	}

	s.recMu.Lock()
	old := s.rec
	s.rec = rec
	s.connID++
	conn := s.connID
	s.recMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	go s.pumpRecognizer(rec, conn)
	return nil
}

// pumpRecognizer bridges one connection's result stream into the inbox.
// It exits when the connection closes.
func (s *Session) pumpRecognizer(rec asr.StreamingRecognizer, conn int) {
	for ev := range rec.Results() {
		if ev.Err != nil {
			s.Enqueue(ConnectionLost{Conn: conn, Err: ev.Err})
			continue
		}
		if ev.Result != nil {
			s.Enqueue(TextRecognized{Text: ev.Result.Text, IsFinal: ev.Result.IsFinal})
		}
	}
}

func (s *Session) recognizer() asr.StreamingRecognizer {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.rec
}

func (s *Session) currentConn() int {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.connID
}

func (s *Session) finishTurn() {
	s.replyInFlight = false
	s.cancelTurn()
}

// beginTurn installs a fresh cancellable context for the reply path.
// Only the processing loop calls it.
func (s *Session) beginTurn() context.Context {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.turnCtx, s.turnCancel = context.WithCancel(s.ctx)
	return s.turnCtx
}

// cancelTurn cancels the in-flight reply context, if any. Called from
// the loop on barge-in and turn completion, and from shutdown on any
// goroutine, hence the lock.
func (s *Session) cancelTurn() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
}

func (s *Session) appendTurn(t llm.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

// attachReplyAudio stores the companded payload on the most recent
// assistant turn.
func (s *Session) attachReplyAudio(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == llm.RoleAssistant {
			s.turns[i].Audio = payload
			return
		}
	}
}

// enqueueFromPipeline delivers a reply-path result to the loop. Unlike
// Enqueue it blocks rather than drops, because losing these would leave
// the turn stuck in flight.
func (s *Session) enqueueFromPipeline(ev Event) {
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	}
}

// shutdown moves the session to ENDED, cancels in-flight work, closes
// the recognition connection and returns the final turn snapshot. Safe
// to call more than once; only the first call does the work.
func (s *Session) shutdown(reason string) []llm.Turn {
	s.endOnce.Do(func() {
		_ = s.life.Transition(StateEnded, reason)
		s.cancelTurn()
		s.cancel()
		if rec := s.recognizer(); rec != nil {
			_ = rec.Close()
		}
		s.logger.Info("session_ended", slog.String("reason", reason))
		s.record("session_end", 0, map[string]string{"reason": reason})
	})
	return s.Turns()
}

// persist writes the transcript through the store, exactly once.
func (s *Session) persist(turns []llm.Turn) error {
	var err error
	s.persistOnce.Do(func() {
		if s.cfg.Store == nil {
			return
		}
		pctx, pcancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		defer pcancel()
		err = s.cfg.Store.Persist(pctx, s.CallID, turns)
	})
	return err
}

func (s *Session) record(name string, value float64, extra map[string]string) {
	tags := map[string]string{
		"call_id":    s.CallID,
		"session_id": s.ID,
	}
	if s.TraceID != "" {
		tags["trace_id"] = s.TraceID
	}
	for k, v := range extra {
		tags[k] = v
	}
	s.cfg.Observer.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}

var errEmptySynthesis = errorsx.Wrap(errors.New("synthesizer returned no audio"), errorsx.ReasonTTSEmpty)

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
