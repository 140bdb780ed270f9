package metrics

import "time"

// Event names shared across the pipeline so observers can match on them
// without importing the emitting package.
const (
	EventBreakerOpen   = "llm_breaker_open"
	EventBreakerClose  = "llm_breaker_close"
	EventBreakerDenied = "llm_breaker_denied"
	EventRateLimit     = "llm_rate_limit"
)

// MetricsEvent is one pipeline measurement. Tags carry low-cardinality
// identifiers (call_id, trace_id); Fields carry free-form payloads.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer receives pipeline events. Implementations must be safe for
// concurrent use; sessions record from multiple goroutines.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// Flusher is implemented by observers that buffer before writing.
type Flusher interface {
	Flush() error
}

// NoopObserver discards everything.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
