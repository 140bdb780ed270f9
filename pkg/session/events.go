package session

// Event is one entry in a session's inbox. Each session runs a single
// processing loop consuming typed events in arrival order, which is what
// gives per-session ordering and isolation without shared callbacks.
type Event interface {
	isEvent()
}

// AudioArrived carries one inbound telephony chunk (8 kHz mu-law).
type AudioArrived struct {
	Chunk []byte
}

// TextRecognized carries one recognition segment. Interim segments only
// feed barge-in detection; final segments advance the conversation.
type TextRecognized struct {
	Text    string
	IsFinal bool
}

// ReplyGenerated carries the generated assistant text for a turn.
type ReplyGenerated struct {
	Turn int
	Text string
}

// AudioSynthesized carries the synthesized 24 kHz PCM for a turn.
type AudioSynthesized struct {
	Turn int
	PCM  []byte
}

// ReplyFailed terminates one turn's reply path. The session stays
// active; the caller simply gets no reply for that turn.
type ReplyFailed struct {
	Turn  int
	Stage string
	Err   error
}

// ConnectionLost reports a dropped recognition stream. Conn identifies
// which connection failed so stale reports from a replaced stream are
// ignored.
type ConnectionLost struct {
	Conn int
	Err  error
}

// CallEnded is the gateway's end-of-call signal.
type CallEnded struct {
	Reason string
}

func (AudioArrived) isEvent()     {}
func (TextRecognized) isEvent()   {}
func (ReplyGenerated) isEvent()   {}
func (AudioSynthesized) isEvent() {}
func (ReplyFailed) isEvent()      {}
func (ConnectionLost) isEvent()   {}
func (CallEnded) isEvent()        {}
