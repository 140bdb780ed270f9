package llm

import (
	"context"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/errorsx"
	"github.com/yyup/voicebridge/pkg/metrics"
	"github.com/yyup/voicebridge/pkg/resilience"
)

// ResilientGenerator wraps a Generator with rate-limit circuit
// breaking. While the breaker is open every request is refused
// immediately, so a throttled provider degrades one turn instead of
// stacking up blocked calls across sessions.
type ResilientGenerator struct {
	inner   Generator
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewResilientGenerator(inner Generator, breaker *resilience.CircuitBreaker) *ResilientGenerator {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &ResilientGenerator{inner: inner, breaker: breaker}
}

func (g *ResilientGenerator) Name() string { return g.inner.Name() }

// SetObserver enables metrics emission for breaker transitions.
func (g *ResilientGenerator) SetObserver(obs metrics.Observer) { g.obs = obs }

func (g *ResilientGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if !g.breaker.Allow() {
		g.setOpen(true)
		g.record(metrics.EventBreakerDenied)
		return Response{}, errorsx.Wrap(
			resilience.RateLimitError{Provider: g.Name(), Message: "degraded"},
			errorsx.ReasonLLMRateLimit)
	}
	g.setOpen(false)
	resp, err := g.inner.Generate(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			g.record(metrics.EventRateLimit)
		}
		g.breaker.OnError(err)
		return Response{}, err
	}
	g.breaker.OnSuccess()
	return resp, nil
}

func (g *ResilientGenerator) record(name string) {
	if g.obs == nil {
		return
	}
	g.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  g.inner.Name(),
			"component": "llm",
		},
	})
}

func (g *ResilientGenerator) setOpen(open bool) {
	g.mu.Lock()
	changed := g.open != open
	g.open = open
	g.mu.Unlock()
	if !changed {
		return
	}
	if open {
		g.record(metrics.EventBreakerOpen)
		return
	}
	g.record(metrics.EventBreakerClose)
}

var _ Generator = (*ResilientGenerator)(nil)
