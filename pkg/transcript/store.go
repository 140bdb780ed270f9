package transcript

import (
	"context"

	"github.com/yyup/voicebridge/pkg/llm"
)

// Store persists the transcript of a finished call. Persist is invoked
// exactly once per session, at teardown, with the full turn history in
// temporal order.
type Store interface {
	Persist(ctx context.Context, callID string, turns []llm.Turn) error
}
