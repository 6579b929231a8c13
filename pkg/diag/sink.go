package diag

import (
	"github.com/rs/zerolog"
)

// Level represents the severity of a diagnostic event.
type Level int

const (
	// LevelDebug for detailed debugging information
	LevelDebug Level = iota
	// LevelInfo for general informational events
	LevelInfo
	// LevelWarn for warning events
	LevelWarn
	// LevelError for error events
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a string to a Level. Unknown strings map to LevelInfo.
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return LevelDebug
	case "INFO", "info":
		return LevelInfo
	case "WARN", "warn":
		return LevelWarn
	case "ERROR", "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Sink receives diagnostic events. Implementations must not block the
// caller; events are fire-and-forget from the emitting component's view.
type Sink interface {
	Emit(level Level, component, event string, fields map[string]any)
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Level, string, string, map[string]any) {}

// ZerologSink writes diagnostic events through a zerolog logger.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink creates a sink backed by the given logger.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

// Emit implements Sink.
func (s *ZerologSink) Emit(level Level, component, event string, fields map[string]any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = s.logger.Debug()
	case LevelWarn:
		ev = s.logger.Warn()
	case LevelError:
		ev = s.logger.Error()
	default:
		ev = s.logger.Info()
	}
	ev = ev.Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(level Level, component, event string, fields map[string]any) {
	for _, s := range m {
		s.Emit(level, component, event, fields)
	}
}
