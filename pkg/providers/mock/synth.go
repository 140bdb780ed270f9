package mock

import (
	"context"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/adapters/synth"
)

type SynthesizerConfig struct {
	PCM   []byte
	Delay time.Duration
	Err   error
}

// Synthesizer returns canned 24 kHz PCM after an optional delay, and
// counts context cancellations so interruption tests can assert the
// pending call was abandoned.
type Synthesizer struct {
	cfg SynthesizerConfig

	mu       sync.Mutex
	texts    []string
	canceled int
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_synth" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string, params synth.VoiceParams) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()

	if s.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.canceled++
			s.mu.Unlock()
			return nil, ctx.Err()
		case <-time.After(s.cfg.Delay):
		}
	}
	if s.cfg.Err != nil {
		return nil, s.cfg.Err
	}
	return append([]byte(nil), s.cfg.PCM...), nil
}

// Texts returns the utterances synthesized so far.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// Canceled reports how many requests were abandoned through context
// cancellation.
func (s *Synthesizer) Canceled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
