package llm

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation. Audio holds the companded
// telephony payload for assistant turns once synthesis succeeded; it is
// nil for user turns and for assistant turns whose reply path failed.
type Turn struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Audio []byte `json:"audio,omitempty"`
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries the full turn history plus the session's system
// prompt; one request is issued per finalized user utterance.
type Request struct {
	SystemPrompt string
	Turns        []Turn
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Generator produces the assistant reply for a turn.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}
