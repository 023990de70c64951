package events

import (
	"context"
	"sync"
)

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, cloneEvent(stamp(ev)))
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, len(r.events))
	for i := range r.events {
		out[i] = cloneEvent(r.events[i])
	}
	return out
}

// Kinds returns the kinds of recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}
