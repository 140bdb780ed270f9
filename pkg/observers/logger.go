package observers

import (
	"log/slog"

	"github.com/yyup/voicebridge/pkg/metrics"
)

// LoggerObserver mirrors every pipeline event onto the debug log. Only
// wired when observability.debug_metrics is on; the volume is too high
// for production logging.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	args := make([]any, 0, 4+2*(len(ev.Tags)+len(ev.Fields)))
	args = append(args, "value", ev.Value, "at", ev.Time)
	for k, v := range ev.Tags {
		args = append(args, k, v)
	}
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}
	o.log.Debug("metric_"+ev.Name, args...)
}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush forwards to any wrapped observer that buffers.
func (m *MultiObserver) Flush() error {
	var first error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
