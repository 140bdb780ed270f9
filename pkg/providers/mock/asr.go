package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/asr"
)

// RecognizerConfig scripts a fake streaming recognizer.
type RecognizerConfig struct {
	CallID   string
	StartErr error
}

// Recognizer is a scriptable streaming recognizer for tests. Audio is
// recorded with receive timestamps; recognition events are injected by
// the test through EmitFinal/EmitInterim/EmitConnectionError.
type Recognizer struct {
	cfg RecognizerConfig
	out chan asr.Event

	mu         sync.Mutex
	started    bool
	closed     bool
	closeCount int
	sent       [][]byte
	sentAt     []time.Time
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	return &Recognizer{cfg: cfg, out: make(chan asr.Event, 64)}
}

func (r *Recognizer) Name() string { return "mock_asr" }

func (r *Recognizer) Start(ctx context.Context) error {
	if r.cfg.StartErr != nil {
		return r.cfg.StartErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCount++
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.out)
	return nil
}

func (r *Recognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.closed {
		return errors.New("not started")
	}
	r.sent = append(r.sent, append([]byte(nil), pcm...))
	r.sentAt = append(r.sentAt, time.Now())
	return nil
}

func (r *Recognizer) Results() <-chan asr.Event { return r.out }

func (r *Recognizer) EmitFinal(text string) {
	r.emit(asr.Event{Result: &asr.Result{Text: text, IsFinal: true}})
}

func (r *Recognizer) EmitInterim(text string) {
	r.emit(asr.Event{Result: &asr.Result{Text: text, IsFinal: false}})
}

func (r *Recognizer) EmitConnectionError(err error) {
	r.emit(asr.Event{Err: err})
}

func (r *Recognizer) emit(ev asr.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.out <- ev
}

// Sent returns copies of the audio chunks received so far.
func (r *Recognizer) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentAt returns the receive timestamp of each chunk.
func (r *Recognizer) SentAt() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.sentAt))
	copy(out, r.sentAt)
	return out
}

func (r *Recognizer) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCount
}

var _ asr.StreamingRecognizer = (*Recognizer)(nil)
