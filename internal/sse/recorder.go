package sse

import "sync"

// Recorder is an in-memory Sender used by tests to inspect emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *Recorder) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
	return nil
}

// Events returns a snapshot of everything sent so far.
func (r *Recorder) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events))
	copy(out, r.events)
	return out
}

// Discard drops every event. Orchestration steps that must run without
// relaying their stream to a caller send here.
var Discard Sender = discard{}

type discard struct{}

func (discard) Send(any) error { return nil }
