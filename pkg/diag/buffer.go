package diag

import (
	"sync"
	"time"
)

// Event is a single recorded diagnostic event.
type Event struct {
	Timestamp time.Time
	Level     Level
	Component string
	Name      string
	Fields    map[string]any
}

// BufferSink records events into a bounded in-memory ring. When the ring is
// full the oldest event is evicted and a dropped counter is incremented.
// Useful for tests and for attaching recent diagnostics to error reports.
type BufferSink struct {
	mu        sync.RWMutex
	events    []Event
	maxEvents int
	dropped   int
}

// NewBufferSink creates a buffer sink retaining at most maxEvents events.
func NewBufferSink(maxEvents int) *BufferSink {
	if maxEvents <= 0 {
		maxEvents = 2000
	}
	return &BufferSink{
		events:    make([]Event, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Emit implements Sink.
func (b *BufferSink) Emit(level Level, component, event string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, Event{
		Timestamp: time.Now(),
		Level:     level,
		Component: component,
		Name:      event,
		Fields:    fields,
	})
	if len(b.events) > b.maxEvents {
		b.events = b.events[1:]
		b.dropped++
	}
}

// Snapshot returns a copy of all buffered events, oldest first.
func (b *BufferSink) Snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, len(b.events))
	copy(result, b.events)
	return result
}

// Dropped returns how many events were evicted due to overflow.
func (b *BufferSink) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
