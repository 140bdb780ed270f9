package asr

import "context"

// Result is one recognized segment. Only final segments advance the
// conversation; interim segments are used for barge-in detection.
type Result struct {
	Text    string
	IsFinal bool
}

// Event multiplexes recognition results and connection failures on one
// channel. Err non-nil means the underlying stream is gone; the session
// decides whether to reconnect.
type Event struct {
	Result *Result
	Err    error
}

// StreamingRecognizer is the contract for a vendor streaming-ASR
// connection. One instance serves exactly one session; audio sent with
// SendAudio must be forwarded to the provider immediately, never
// batched.
type StreamingRecognizer interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start establishes the provider connection.
	Start(ctx context.Context) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// SendAudio forwards one linear-PCM 16 kHz chunk.
	SendAudio(pcm []byte) error
	// Results returns the stream of recognition and connection events.
	Results() <-chan Event
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	CallID     string
	TraceID    string
	SampleRate int
	Language   string
}
