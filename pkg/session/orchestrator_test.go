package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/asr"
	"github.com/yyup/voicebridge/pkg/audio"
	"github.com/yyup/voicebridge/pkg/llm"
	"github.com/yyup/voicebridge/pkg/metrics"
	"github.com/yyup/voicebridge/pkg/providers/mock"
	"github.com/yyup/voicebridge/pkg/resilience"
	"github.com/yyup/voicebridge/pkg/transcript"
)

type emittedAudio struct {
	callID string
	chunk  []byte
}

type captureGateway struct {
	mu     sync.Mutex
	audio  []emittedAudio
	clears []string
	errs   []string
}

func (g *captureGateway) EmitAudio(callID string, chunk []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audio = append(g.audio, emittedAudio{callID: callID, chunk: append([]byte(nil), chunk...)})
	return nil
}

func (g *captureGateway) Clear(callID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clears = append(g.clears, callID)
	return nil
}

func (g *captureGateway) EmitError(callID string, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, reason)
	return nil
}

func (g *captureGateway) audioCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.audio)
}

func (g *captureGateway) clearCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clears)
}

// recognizerFactory hands out scripted recognizers in order and keeps
// them addressable by call for event injection.
type recognizerFactory struct {
	mu     sync.Mutex
	queue  []*mock.Recognizer
	opened []*mock.Recognizer
}

func (f *recognizerFactory) push(r *mock.Recognizer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, r)
}

func (f *recognizerFactory) build(cfg asr.Config) asr.StreamingRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var r *mock.Recognizer
	if len(f.queue) > 0 {
		r = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		r = mock.NewRecognizer(mock.RecognizerConfig{CallID: cfg.CallID})
	}
	f.opened = append(f.opened, r)
	return r
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func mulawChunk(n int) []byte {
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = audio.MuLawSilence
	}
	return chunk
}

func TestEndToEndTurn(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-1"})
	factory := &recognizerFactory{}
	factory.push(rec)
	gw := &captureGateway{}
	store := transcript.NewMemoryStore()
	// 1200 samples at 24 kHz decimate to 400 telephony samples.
	synthPCM := make([]byte, 2400)

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     mock.NewGenerator(mock.GeneratorConfig{ReplyText: "您好，有什么可以帮您"}),
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: synthPCM}),
		Store:         store,
		Gateway:       gw,
	})
	s, err := m.Create(StartParams{CallID: "call-1", CustomerID: "cust-9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state after create = %v, want %v", got, StateActive)
	}

	// 160 companded bytes become 320 upsampled samples, 640 bytes of
	// little-endian PCM.
	m.HandleAudio("call-1", mulawChunk(160))
	waitUntil(t, time.Second, func() bool { return len(rec.Sent()) == 1 })
	if got := len(rec.Sent()[0]); got != 640 {
		t.Fatalf("forwarded chunk = %d bytes, want 640", got)
	}

	rec.EmitFinal("你好")
	waitUntil(t, time.Second, func() bool { return gw.audioCount() == 1 })
	gw.mu.Lock()
	out := gw.audio[0]
	gw.mu.Unlock()
	if out.callID != "call-1" {
		t.Fatalf("reply audio for call %q, want call-1", out.callID)
	}
	if len(out.chunk) != 400 {
		t.Fatalf("reply audio = %d bytes, want 400", len(out.chunk))
	}

	m.End(s.ID, "caller_hangup")
	if store.PersistCount("call-1") != 1 {
		t.Fatalf("persist count = %d, want 1", store.PersistCount("call-1"))
	}
	turns := store.Turns("call-1")
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].Role != llm.RoleUser || turns[0].Text != "你好" {
		t.Fatalf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != llm.RoleAssistant || turns[1].Text != "您好，有什么可以帮您" {
		t.Fatalf("turn 1 = %+v", turns[1])
	}
	if len(turns[1].Audio) != 400 {
		t.Fatalf("assistant audio = %d bytes, want 400", len(turns[1].Audio))
	}
}

func TestBargeInCancelsPendingReply(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-2"})
	factory := &recognizerFactory{}
	factory.push(rec)
	gw := &captureGateway{}
	gen := mock.NewGenerator(mock.GeneratorConfig{ReplyText: "好的", Delay: 5 * time.Second})

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     gen,
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
		Store:         transcript.NewMemoryStore(),
		Gateway:       gw,
	})
	s, err := m.Create(StartParams{CallID: "call-2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec.EmitFinal("帮我查一下订单")
	waitUntil(t, time.Second, func() bool { return len(gen.Requests()) == 1 })

	// Caller speaks over the pending reply.
	rec.EmitInterim("等")
	waitUntil(t, time.Second, func() bool { return gen.Canceled() == 1 })
	waitUntil(t, time.Second, func() bool { return gw.clearCount() == 1 })
	if gw.audioCount() != 0 {
		t.Fatalf("interrupted reply still played %d chunks", gw.audioCount())
	}
	if got := s.State(); got != StateActive {
		t.Fatalf("state after barge-in = %v, want %v", got, StateActive)
	}

	// Only the abandoned request went out; the interim never spawned one.
	if len(gen.Requests()) != 1 {
		t.Fatalf("generator saw %d requests, want 1", len(gen.Requests()))
	}

	m.End(s.ID, "caller_hangup")
	turns := s.Turns()
	for _, turn := range turns {
		if turn.Role == llm.RoleAssistant {
			t.Fatalf("canceled reply reached transcript: %+v", turn)
		}
	}
}

func TestSessionIsolation(t *testing.T) {
	recA := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-a"})
	recB := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-b"})
	factory := &recognizerFactory{}
	factory.push(recA)
	factory.push(recB)
	gw := &captureGateway{}
	store := transcript.NewMemoryStore()

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     mock.NewGenerator(mock.GeneratorConfig{ReplyText: "收到"}),
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
		Store:         store,
		Gateway:       gw,
	})
	if _, err := m.Create(StartParams{CallID: "call-a"}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := m.Create(StartParams{CallID: "call-b"}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if m.Count() != 2 {
		t.Fatalf("count = %d, want 2", m.Count())
	}

	recA.EmitFinal("甲的问题")
	recB.EmitFinal("乙的问题")
	waitUntil(t, time.Second, func() bool { return gw.audioCount() == 2 })

	m.EndByCall("call-a", "caller_hangup")
	m.EndByCall("call-b", "caller_hangup")

	turnsA := store.Turns("call-a")
	turnsB := store.Turns("call-b")
	if len(turnsA) != 2 || turnsA[0].Text != "甲的问题" {
		t.Fatalf("call-a turns = %+v", turnsA)
	}
	if len(turnsB) != 2 || turnsB[0].Text != "乙的问题" {
		t.Fatalf("call-b turns = %+v", turnsB)
	}
}

func TestAudioForwardedPerChunk(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-3"})
	factory := &recognizerFactory{}
	factory.push(rec)

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     mock.NewGenerator(mock.GeneratorConfig{}),
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
		Store:         transcript.NewMemoryStore(),
		Gateway:       &captureGateway{},
	})
	s, err := m.Create(StartParams{CallID: "call-3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Each chunk must reach the recognizer before the next one goes in:
	// the forward path holds no buffer.
	checkpoints := make([]time.Time, 3)
	for i := 0; i < 3; i++ {
		m.HandleAudio("call-3", mulawChunk(160))
		n := i + 1
		waitUntil(t, time.Second, func() bool { return len(rec.Sent()) == n })
		checkpoints[i] = time.Now()
	}
	for i, chunk := range rec.Sent() {
		if len(chunk) != 640 {
			t.Fatalf("chunk %d = %d bytes, want 640 (chunks must not be batched)", i, len(chunk))
		}
	}
	sentAt := rec.SentAt()
	if len(sentAt) != 3 {
		t.Fatalf("recognizer timestamped %d chunks, want 3", len(sentAt))
	}
	for i, ts := range sentAt {
		if ts.After(checkpoints[i]) {
			t.Fatalf("chunk %d forwarded at %v, after checkpoint %v", i, ts, checkpoints[i])
		}
	}
	m.End(s.ID, "caller_hangup")
}

func TestEndConcurrentWithActiveTurn(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-race"})
		factory := &recognizerFactory{}
		factory.push(rec)
		gen := mock.NewGenerator(mock.GeneratorConfig{ReplyText: "稍等", Delay: time.Millisecond})

		m := NewManager(Config{
			NewRecognizer: factory.build,
			Generator:     gen,
			Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
			Store:         transcript.NewMemoryStore(),
			Gateway:       &captureGateway{},
		})
		s, err := m.Create(StartParams{CallID: "call-race"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		// Teardown races the loop starting a reply turn.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec.EmitFinal("查一下物流")
		}()
		go func() {
			defer wg.Done()
			m.End(s.ID, "caller_hangup")
		}()
		wg.Wait()

		waitUntil(t, time.Second, func() bool { return s.State() == StateEnded })
		waitUntil(t, time.Second, func() bool { return m.Count() == 0 })
	}
}

func TestReconnectExhaustionEndsSession(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-4"})
	factory := &recognizerFactory{}
	factory.push(rec)
	factory.push(mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-4", StartErr: errors.New("dial refused")}))
	factory.push(mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-4", StartErr: errors.New("dial refused")}))
	factory.push(mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-4", StartErr: errors.New("dial refused")}))
	gw := &captureGateway{}
	store := transcript.NewMemoryStore()

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     mock.NewGenerator(mock.GeneratorConfig{}),
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
		Store:         store,
		Gateway:       gw,
		Reconnect:     resilience.NewRetryPolicy(2, time.Millisecond),
	})
	s, err := m.Create(StartParams{CallID: "call-4"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec.EmitConnectionError(errors.New("stream reset"))
	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateEnded })
	waitUntil(t, 2*time.Second, func() bool { return m.Count() == 0 })

	gw.mu.Lock()
	errs := append([]string(nil), gw.errs...)
	gw.mu.Unlock()
	if len(errs) != 1 || errs[0] != "recognition_unavailable" {
		t.Fatalf("gateway errors = %v", errs)
	}
	if store.PersistCount("call-4") != 1 {
		t.Fatalf("persist count = %d, want 1", store.PersistCount("call-4"))
	}

	// A second teardown must not persist again.
	m.End(s.ID, "caller_hangup")
	if store.PersistCount("call-4") != 1 {
		t.Fatalf("persist count after re-end = %d, want 1", store.PersistCount("call-4"))
	}
}

func TestReconnectRecoversStream(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-5"})
	replacement := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-5"})
	factory := &recognizerFactory{}
	factory.push(rec)
	factory.push(replacement)
	gw := &captureGateway{}

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     mock.NewGenerator(mock.GeneratorConfig{ReplyText: "继续"}),
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
		Store:         transcript.NewMemoryStore(),
		Gateway:       gw,
		Reconnect:     resilience.NewRetryPolicy(2, time.Millisecond),
	})
	s, err := m.Create(StartParams{CallID: "call-5"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec.EmitConnectionError(errors.New("stream reset"))
	waitUntil(t, time.Second, func() bool { return rec.CloseCount() >= 1 })

	// The replacement connection keeps the call alive.
	replacement.EmitFinal("还在吗")
	waitUntil(t, time.Second, func() bool { return gw.audioCount() == 1 })
	if got := s.State(); got != StateActive {
		t.Fatalf("state after recovery = %v, want %v", got, StateActive)
	}
	m.End(s.ID, "caller_hangup")
}

// captureObserver records metrics events for assertion.
type captureObserver struct {
	mu     sync.Mutex
	events []metrics.MetricsEvent
}

func (o *captureObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *captureObserver) transitions() [][2]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out [][2]string
	for _, ev := range o.events {
		if ev.Name == "session_state_change" {
			out = append(out, [2]string{ev.Tags["from"], ev.Tags["to"]})
		}
	}
	return out
}

func TestLifecycleTransitionsReachObserver(t *testing.T) {
	rec := mock.NewRecognizer(mock.RecognizerConfig{CallID: "call-6"})
	factory := &recognizerFactory{}
	factory.push(rec)
	gen := mock.NewGenerator(mock.GeneratorConfig{ReplyText: "好的", Delay: 5 * time.Second})
	obs := &captureObserver{}

	m := NewManager(Config{
		NewRecognizer: factory.build,
		Generator:     gen,
		Synthesizer:   mock.NewSynthesizer(mock.SynthesizerConfig{PCM: make([]byte, 240)}),
		Store:         transcript.NewMemoryStore(),
		Gateway:       &captureGateway{},
		Observer:      obs,
	})
	s, err := m.Create(StartParams{CallID: "call-6"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec.EmitFinal("帮我查一下订单")
	waitUntil(t, time.Second, func() bool { return len(gen.Requests()) == 1 })
	rec.EmitInterim("等")
	waitUntil(t, time.Second, func() bool { return gen.Canceled() == 1 })
	m.End(s.ID, "caller_hangup")

	want := [][2]string{
		{"ACTIVE", "INTERRUPTED"},
		{"INTERRUPTED", "ACTIVE"},
		{"ACTIVE", "ENDED"},
	}
	var got [][2]string
	waitUntil(t, time.Second, func() bool {
		got = obs.transitions()
		return len(got) == len(want)
	})
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("transition %d = %v, want %v (all: %v)", i, got[i], w, got)
		}
	}
}
