package events

import (
	"context"
	"sync"

	"github.com/oshokin/lob-publisher/internal/logger"
)

// Fields are the structured attributes attached to an event.
type Fields map[string]any

// Sink receives named events from pipeline components.
// Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, name string, fields Fields)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(context.Context, string, Fields) {}

// OrNop returns sink, or Nop when sink is nil.
func OrNop(sink Sink) Sink { //nolint:ireturn // Callers store the interface.
	if sink == nil {
		return Nop{}
	}

	return sink
}

// LogSink writes events to the context logger.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(ctx context.Context, name string, fields Fields) {
	kvs := make([]any, 0, 2*len(fields)+2)
	kvs = append(kvs, "event", name)

	for key, value := range fields {
		kvs = append(kvs, key, value)
	}

	logger.DebugKV(ctx, "Event", kvs...)
}

// Multi fans events out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, name string, fields Fields) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, name, fields)
		}
	}
}

// Event is a recorded emission.
type Event struct {
	Name   string
	Fields Fields
	// ContextErr is the emitting context's Err() at emission time.
	ContextErr error
}

// Recorder keeps every event in memory. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(ctx context.Context, name string, fields Fields) {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, Event{Name: name, Fields: copied, ContextErr: ctx.Err()})
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var matched []Event

	for _, event := range r.Events() {
		if event.Name == name {
			matched = append(matched, event)
		}
	}

	return matched
}
