package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio  Kind = "audio"
	KindSystem Kind = "system"
)

// Frame is the unit of exchange on the transport boundary. Inbound gateway
// events (call start, media, call end) arrive as frames; the session layer
// converts them into its own typed events.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one chunk of caller audio. RawPayload exposes the
// underlying bytes for the hot path; Data returns a copy.
type AudioFrame struct {
	pts  int64
	data []byte
	rate int
	ch   int
	meta map[string]string
}

func NewAudioFrame(callID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(callID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// SystemFrame announces call lifecycle events: call_start, call_reconnect,
// call_end.
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(callID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(callID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// PTSGen hands out per-call monotonic presentation timestamps.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(callID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[callID] + time.Millisecond.Nanoseconds()
	g.value[callID] = v
	return v
}

// Release drops a call's clock once the call is gone, bounding the map
// on long-running gateways.
func (g *PTSGen) Release(callID string) {
	g.mu.Lock()
	delete(g.value, callID)
	g.mu.Unlock()
}

func mergeMeta(callID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if callID != "" {
		out[MetaCallID] = callID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
