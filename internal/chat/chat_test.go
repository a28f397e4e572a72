package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foundrygate/internal/engine"
	"foundrygate/internal/sse"
	"foundrygate/pkg/types"
)

type fakeControl struct {
	mu           sync.Mutex
	service      []types.ServiceModel
	cached       []types.CacheEntry
	serviceCalls int
	cacheCalls   int
}

func (f *fakeControl) ListService(context.Context) ([]types.ServiceModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serviceCalls++
	return append([]types.ServiceModel(nil), f.service...), nil
}

func (f *fakeControl) ListCached(context.Context) ([]types.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheCalls++
	return append([]types.CacheEntry(nil), f.cached...), nil
}

func (f *fakeControl) listCalls() (service, cache int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serviceCalls, f.cacheCalls
}

type fakeResidency struct {
	mu      sync.Mutex
	alias   string
	modelID string
	ok      bool
	ensures []string
}

func (f *fakeResidency) Resident() (string, string, bool) {
	return f.alias, f.modelID, f.ok
}

func (f *fakeResidency) EnsureResident(_ context.Context, alias, modelID string, _ sse.Sender) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures = append(f.ensures, alias+"/"+modelID)
	return modelID, nil
}

type fakeEngine struct {
	endpoint string
	initErr  error
	key      string
}

func (f *fakeEngine) Init(_ context.Context, id string) (engine.Descriptor, error) {
	if f.initErr != nil {
		return engine.Descriptor{}, f.initErr
	}
	return engine.Descriptor{ID: id, Endpoint: f.endpoint}, nil
}

func (f *fakeEngine) Endpoint(context.Context) (string, error) { return f.endpoint, nil }

func (f *fakeEngine) APIKey() string { return f.key }

type upstreamCapture struct {
	mu       sync.Mutex
	requests []completionRequest
	auth     string
	path     string
}

func (c *upstreamCapture) snapshot() ([]completionRequest, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completionRequest(nil), c.requests...), c.auth, c.path
}

// sseUpstream serves an OpenAI-style streamed completion emitting the given
// deltas then [DONE].
func sseUpstream(t *testing.T, deltas []string) (*httptest.Server, *upstreamCapture) {
	t.Helper()
	capture := &upstreamCapture{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		capture.mu.Lock()
		capture.requests = append(capture.requests, req)
		capture.auth = r.Header.Get("Authorization")
		capture.path = r.URL.Path
		capture.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	t.Cleanup(ts.Close)
	return ts, capture
}

func chatEvents(t *testing.T, r *sse.Recorder) []types.ChatEvent {
	t.Helper()
	var out []types.ChatEvent
	for _, e := range r.Events() {
		ev, ok := e.(types.ChatEvent)
		if !ok {
			t.Fatalf("unexpected event type %T", e)
		}
		out = append(out, ev)
	}
	return out
}

func newTestProxy(control *fakeControl, res *fakeResidency, eng Engine) *Proxy {
	return New(Config{
		Control:   control,
		Residency: res,
		Engine:    eng,
		Sessions:  NewSessionStore(),
		Logger:    zerolog.Nop(),
	})
}

func TestStreamRelaysDeltasAndRecordsHistory(t *testing.T) {
	ts, capture := sseUpstream(t, []string{"Hel", "lo"})
	control := &fakeControl{service: []types.ServiceModel{{Alias: "phi-4", ModelID: "Phi-4-generic-gpu"}}}
	p := newTestProxy(control, &fakeResidency{}, &fakeEngine{endpoint: ts.URL + "/v1", key: "test-key"})
	var rec sse.Recorder

	if err := p.Stream(context.Background(), "", "phi-4", "hi", &rec); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := chatEvents(t, &rec)
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Content != "Hel" || events[1].Content != "lo" || !events[2].Done {
		t.Fatalf("events = %+v", events)
	}

	history := p.Sessions().History(DefaultSession)
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != types.RoleUser || history[0].Content != "hi" {
		t.Fatalf("user turn = %+v", history[0])
	}
	if history[1].Role != types.RoleAssistant || history[1].Content != "Hello" {
		t.Fatalf("assistant turn = %+v", history[1])
	}

	requests, auth, path := capture.snapshot()
	if len(requests) != 1 {
		t.Fatalf("upstream requests = %d", len(requests))
	}
	if requests[0].Model != "Phi-4-generic-gpu" || !requests[0].Stream {
		t.Fatalf("upstream request = %+v", requests[0])
	}
	if len(requests[0].Messages) != 1 || requests[0].Messages[0].Content != "hi" {
		t.Fatalf("upstream messages = %+v", requests[0].Messages)
	}
	if auth != "Bearer test-key" {
		t.Fatalf("authorization = %q", auth)
	}
	if path != "/v1/chat/completions" {
		t.Fatalf("path = %q", path)
	}
}

func TestStreamRejectsUnknownAlias(t *testing.T) {
	control := &fakeControl{}
	res := &fakeResidency{}
	p := newTestProxy(control, res, &fakeEngine{endpoint: "http://127.0.0.1:1/v1"})
	var rec sse.Recorder

	err := p.Stream(context.Background(), "", "mystery", "hi", &rec)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsNotCached(err) {
		t.Fatalf("err = %v, want not-cached", err)
	}
	if !strings.Contains(err.Error(), "not found in cache") {
		t.Fatalf("err message = %q", err)
	}
	if len(res.ensures) != 0 {
		t.Fatalf("ensure calls = %v, want none", res.ensures)
	}
	if got := p.Sessions().History(DefaultSession); len(got) != 0 {
		t.Fatalf("history = %+v, want untouched", got)
	}
	if got := chatEvents(t, &rec); len(got) != 0 {
		t.Fatalf("events = %+v, want none before resolution", got)
	}
}

func TestStreamLoadsCachedAliasSynchronously(t *testing.T) {
	ts, _ := sseUpstream(t, []string{"ok"})
	control := &fakeControl{cached: []types.CacheEntry{{Alias: "qwen2.5-0.5b", ModelID: "qwen2.5-0.5b-instruct-generic-cpu"}}}
	res := &fakeResidency{}
	p := newTestProxy(control, res, &fakeEngine{endpoint: ts.URL + "/v1"})
	var rec sse.Recorder

	if err := p.Stream(context.Background(), "", "qwen2.5-0.5b", "hi", &rec); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(res.ensures) != 1 || res.ensures[0] != "qwen2.5-0.5b/qwen2.5-0.5b-instruct-generic-cpu" {
		t.Fatalf("ensure calls = %v", res.ensures)
	}
}

func TestStreamPrefersResidentSlot(t *testing.T) {
	ts, _ := sseUpstream(t, []string{"ok"})
	control := &fakeControl{}
	res := &fakeResidency{alias: "phi-4", modelID: "Phi-4-generic-gpu", ok: true}
	p := newTestProxy(control, res, &fakeEngine{endpoint: ts.URL + "/v1"})

	if err := p.Stream(context.Background(), "", "phi-4", "hi", &sse.Recorder{}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	service, cache := control.listCalls()
	if service != 0 || cache != 0 {
		t.Fatalf("listings queried %d/%d times, want the slot to short-circuit", service, cache)
	}
}

func TestStreamKeepsSessionsIsolated(t *testing.T) {
	ts, _ := sseUpstream(t, []string{"reply"})
	control := &fakeControl{service: []types.ServiceModel{{Alias: "phi-4", ModelID: "Phi-4-generic-gpu"}}}
	p := newTestProxy(control, &fakeResidency{}, &fakeEngine{endpoint: ts.URL + "/v1"})

	if err := p.Stream(context.Background(), "team-a", "phi-4", "first", &sse.Recorder{}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := p.Sessions().History("team-a"); len(got) != 2 {
		t.Fatalf("team-a history = %+v", got)
	}
	if got := p.Sessions().History(DefaultSession); len(got) != 0 {
		t.Fatalf("default history = %+v, want empty", got)
	}
	if got := p.Sessions().History("team-b"); len(got) != 0 {
		t.Fatalf("team-b history = %+v, want empty", got)
	}
}

func TestStreamSurfacesUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model is warming up", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	control := &fakeControl{service: []types.ServiceModel{{Alias: "phi-4", ModelID: "Phi-4-generic-gpu"}}}
	p := newTestProxy(control, &fakeResidency{}, &fakeEngine{endpoint: ts.URL + "/v1"})
	var rec sse.Recorder

	err := p.Stream(context.Background(), "", "phi-4", "hi", &rec)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
	history := p.Sessions().History(DefaultSession)
	if len(history) != 1 || history[0].Role != types.RoleUser {
		t.Fatalf("history = %+v, want only the user turn", history)
	}
	for _, ev := range chatEvents(t, &rec) {
		if ev.Done {
			t.Fatalf("done emitted despite failure")
		}
	}
}

// cancelingSender cancels the request context after the first content
// event, standing in for a client that disconnects mid-stream.
type cancelingSender struct {
	rec    sse.Recorder
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelingSender) Send(v any) error {
	err := c.rec.Send(v)
	if ev, ok := v.(types.ChatEvent); ok && ev.Content != "" {
		c.once.Do(c.cancel)
	}
	return err
}

func TestStreamStopsDrainingOnDisconnect(t *testing.T) {
	upstreamDone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	control := &fakeControl{service: []types.ServiceModel{{Alias: "phi-4", ModelID: "Phi-4-generic-gpu"}}}
	p := newTestProxy(control, &fakeResidency{}, &fakeEngine{endpoint: ts.URL + "/v1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &cancelingSender{cancel: cancel}

	err := p.Stream(ctx, "", "phi-4", "hi", sender)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream never observed the disconnect")
	}
	history := p.Sessions().History(DefaultSession)
	if len(history) != 1 {
		t.Fatalf("history = %+v, want no assistant turn after cancellation", history)
	}
}

func TestSessionStore(t *testing.T) {
	s := NewSessionStore()
	if s.Resolve("") != DefaultSession {
		t.Fatalf("empty id must resolve to the default session")
	}
	if s.Resolve("explicit") != "explicit" {
		t.Fatalf("explicit id must pass through")
	}
	a, b := s.NewSession(), s.NewSession()
	if a == b || a == "" {
		t.Fatalf("session ids = %q, %q", a, b)
	}
	s.Append(a, types.ChatMessage{Role: types.RoleUser, Content: "hello"})
	if got := s.History(a); len(got) != 1 {
		t.Fatalf("history(a) = %+v", got)
	}
	if got := s.History(b); len(got) != 0 {
		t.Fatalf("history(b) = %+v", got)
	}
	got := s.History(a)
	got[0].Content = "mutated"
	if s.History(a)[0].Content != "hello" {
		t.Fatalf("History must return a copy")
	}
}
