package llm

import (
	"context"
	"testing"
	"time"

	"github.com/yyup/voicebridge/pkg/resilience"
)

type scriptedGenerator struct {
	err   error
	calls int
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	g.calls++
	if g.err != nil {
		return Response{}, g.err
	}
	return Response{Text: "好的"}, nil
}

func TestResilientGeneratorPassesThrough(t *testing.T) {
	inner := &scriptedGenerator{}
	g := NewResilientGenerator(inner, nil)
	resp, err := g.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "好的" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestResilientGeneratorOpensOnRateLimits(t *testing.T) {
	inner := &scriptedGenerator{err: resilience.RateLimitError{Provider: "scripted"}}
	g := NewResilientGenerator(inner, resilience.NewCircuitBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := g.Generate(context.Background(), Request{}); !resilience.IsRateLimit(err) {
			t.Fatalf("call %d err = %v, want rate limit", i, err)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}

	// Breaker open: refused without touching the provider.
	if _, err := g.Generate(context.Background(), Request{}); !resilience.IsRateLimit(err) {
		t.Fatalf("open-breaker err = %v, want rate limit", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls after open = %d, want 2", inner.calls)
	}
}

func TestResilientGeneratorIgnoresHardFailures(t *testing.T) {
	inner := &scriptedGenerator{err: context.DeadlineExceeded}
	g := NewResilientGenerator(inner, resilience.NewCircuitBreaker(1, time.Minute))

	_, _ = g.Generate(context.Background(), Request{})
	_, _ = g.Generate(context.Background(), Request{})
	// Hard failures never trip the breaker; both calls reach the provider.
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}
}
