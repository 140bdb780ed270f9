package mock

import (
	"context"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/llm"
)

type GeneratorConfig struct {
	ReplyText string
	Delay     time.Duration
	Err       error
}

// Generator returns a canned reply after an optional delay. The delay is
// interruptible through the request context, which lets tests exercise
// barge-in cancellation.
type Generator struct {
	cfg GeneratorConfig

	mu       sync.Mutex
	requests []llm.Request
	canceled int
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.ReplyText == "" {
		cfg.ReplyText = "mock reply"
	}
	return &Generator{cfg: cfg}
}

func (g *Generator) Name() string { return "mock_llm" }

func (g *Generator) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	if g.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.canceled++
			g.mu.Unlock()
			return llm.Response{}, ctx.Err()
		case <-time.After(g.cfg.Delay):
		}
	}
	if g.cfg.Err != nil {
		return llm.Response{}, g.cfg.Err
	}
	return llm.Response{Text: g.cfg.ReplyText}, nil
}

// Requests returns the generation requests received so far.
func (g *Generator) Requests() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Canceled reports how many requests were abandoned through context
// cancellation.
func (g *Generator) Canceled() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}

var _ llm.Generator = (*Generator)(nil)
