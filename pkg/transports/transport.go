package transports

import (
	"context"

	"github.com/yyup/voicebridge/pkg/frames"
)

// Transport is the telephony boundary. Inbound call events and caller
// audio arrive as frames on Recv; the outbound methods are keyed by
// call ID so the session layer never touches provider stream handles.
// Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame

	// EmitAudio queues companded reply audio for playback on the call.
	EmitAudio(callID string, chunk []byte) error
	// Clear drops any reply audio the provider has buffered but not yet
	// played. Used when the caller barges in.
	Clear(callID string) error
	// EmitError reports an unrecoverable failure to the caller before
	// the call is torn down.
	EmitError(callID string, reason string) error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// OutboundDialerWithOptions extends dialing with optional parameters.
type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g.,
// webhook URLs) for informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
