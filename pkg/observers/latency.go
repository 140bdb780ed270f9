package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yyup/voicebridge/pkg/metrics"
)

// LatencyObserver measures the caller-perceived response time: the gap
// between a finalized user utterance and the reply audio reaching the
// telephony gateway. One measurement per turn, logged when the reply
// goes out; barge-in abandons the open measurement.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*openTurn
	log   *slog.Logger
}

type openTurn struct {
	userFinal time.Time
	traceID   string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*openTurn),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case "turn_user":
		t := &openTurn{userFinal: ev.Time}
		if ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
		o.turns[callID] = t
	case "turn_reply_emitted":
		t := o.turns[callID]
		if t == nil {
			return
		}
		delete(o.turns, callID)
		o.log.Info("turn_latency",
			"call_id", callID,
			"trace_id", t.traceID,
			"reply_ms", ev.Time.Sub(t.userFinal).Milliseconds(),
			"reply_bytes", int64(ev.Value),
		)
	case "barge_in", "turn_reply_failed", "session_end":
		delete(o.turns, callID)
	}
}
