// Package sse implements the server-sent-event channel used by the streaming
// endpoints. Every event is one JSON object written as a `data:` frame and
// flushed immediately so remote listeners see progress live.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Sender delivers one event to a client. Producers serialize their own
// calls; implementations do not need to be goroutine-safe unless shared.
type Sender interface {
	Send(v any) error
}

// Stream writes events over an HTTP response.
type Stream struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	endpoint string
}

// Open prepares w for server-sent events and commits the response header.
// It fails when the writer cannot flush, since buffered SSE would hold
// every event until the handler returns.
func Open(w http.ResponseWriter, endpoint string) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Stream{w: w, flusher: flusher, endpoint: endpoint}, nil
}

// Send marshals v and writes it as a single `data:` frame.
func (s *Stream) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	eventsTotal.WithLabelValues(s.endpoint).Inc()
	return nil
}
