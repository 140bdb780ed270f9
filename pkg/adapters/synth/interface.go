package synth

import "context"

// VoiceParams selects the synthesis voice. Vendor-specific knobs travel
// in Settings so the core stays provider-neutral.
type VoiceParams struct {
	Voice    string
	Speed    float64
	Settings map[string]string
}

// Synthesizer is the contract for per-utterance speech synthesis. One
// request per reply; the result is 24 kHz mono signed 16-bit PCM. An
// empty result is an error, never implicit silence.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error)
}
