// Package chat proxies streamed completions to the inference engine. The
// proxy's real work is resolution: turning a request's alias into a resident
// model id and a live endpoint before a single token flows. Once resolved,
// it relays the engine's delta stream and maintains conversation history.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"foundrygate/internal/engine"
	"foundrygate/internal/sse"
	"foundrygate/pkg/types"
)

// ControlPlane is the listing slice used for alias resolution.
type ControlPlane interface {
	ListService(ctx context.Context) ([]types.ServiceModel, error)
	ListCached(ctx context.Context) ([]types.CacheEntry, error)
}

// Residency is the residency controller surface the proxy depends on.
type Residency interface {
	Resident() (alias, modelID string, ok bool)
	EnsureResident(ctx context.Context, alias, modelID string, ch sse.Sender) (string, error)
}

// Engine resolves endpoints and performs handshakes.
type Engine interface {
	Init(ctx context.Context, id string) (engine.Descriptor, error)
	Endpoint(ctx context.Context) (string, error)
	APIKey() string
}

// Config holds Proxy construction parameters.
type Config struct {
	Control    ControlPlane
	Residency  Residency
	Engine     Engine
	Sessions   *SessionStore
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Proxy streams completions for resolved aliases.
type Proxy struct {
	control   ControlPlane
	residency Residency
	engine    Engine
	sessions  *SessionStore
	httpc     *http.Client
	log       zerolog.Logger
}

func New(cfg Config) *Proxy {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewSessionStore()
	}
	return &Proxy{
		control:   cfg.Control,
		residency: cfg.Residency,
		engine:    cfg.Engine,
		sessions:  sessions,
		httpc:     httpc,
		log:       cfg.Logger,
	}
}

// Sessions exposes the store for the history endpoint.
func (p *Proxy) Sessions() *SessionStore { return p.sessions }

// Stream resolves alias, appends the user message to the session, and
// relays the engine's token stream to ch. The assistant reply joins the
// history only after the upstream ends cleanly; a terminal done event
// closes the stream. Errors are returned for the caller to report.
func (p *Proxy) Stream(ctx context.Context, sessionID, alias, message string, ch sse.Sender) error {
	modelID, err := p.resolveModel(ctx, alias)
	if err != nil {
		return err
	}
	endpoint := p.resolveEndpoint(ctx, modelID)

	sessionID = p.sessions.Resolve(sessionID)
	p.sessions.Append(sessionID, types.ChatMessage{Role: types.RoleUser, Content: message})
	history := p.sessions.History(sessionID)

	reply, err := p.relay(ctx, endpoint, modelID, history, ch)
	if err != nil {
		return err
	}
	p.sessions.Append(sessionID, types.ChatMessage{Role: types.RoleAssistant, Content: reply})
	_ = ch.Send(types.ChatEvent{Done: true})
	return nil
}

// resolveModel maps alias to a resident model id: committed slot first,
// then the residency listing, then the cache listing with a synchronous
// load. An alias in neither listing is a client error with no engine side
// effects.
func (p *Proxy) resolveModel(ctx context.Context, alias string) (string, error) {
	if slotAlias, modelID, ok := p.residency.Resident(); ok && (slotAlias == alias || modelID == alias) {
		return modelID, nil
	}

	running, err := p.control.ListService(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range running {
		if m.Alias == alias || m.ModelID == alias {
			return m.ModelID, nil
		}
	}

	cached, err := p.control.ListCached(ctx)
	if err != nil {
		return "", err
	}
	for _, e := range cached {
		if e.Alias == alias || e.ModelID == alias {
			return p.residency.EnsureResident(ctx, e.Alias, e.ModelID, sse.Discard)
		}
	}
	return "", ErrNotCached(alias)
}

// resolveEndpoint prefers a fresh handshake; on failure it falls back to
// the probed or conventional endpoint so the conversation can still try.
func (p *Proxy) resolveEndpoint(ctx context.Context, modelID string) string {
	desc, err := p.engine.Init(ctx, modelID)
	if err == nil {
		return desc.Endpoint
	}
	p.log.Warn().Err(err).Str("model_id", modelID).Msg("engine init failed, using fallback endpoint")
	if ep, err := p.engine.Endpoint(ctx); err == nil && ep != "" {
		return ep
	}
	return engine.DefaultEndpoint
}

type completionRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// relay posts the streamed completion and forwards content deltas to ch,
// returning the accumulated assistant reply. A failed send means the
// listener went away; draining stops instead of consuming the rest of the
// upstream for nobody.
func (p *Proxy) relay(ctx context.Context, endpoint, modelID string, history []types.ChatMessage, ch sse.Sender) (string, error) {
	body, err := json.Marshal(completionRequest{Model: modelID, Messages: history, Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := p.engine.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if payload == "" {
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.log.Debug().Str("payload", payload).Msg("skipping unparseable stream chunk")
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			reply.WriteString(choice.Delta.Content)
			if err := ch.Send(types.ChatEvent{Content: choice.Delta.Content}); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read engine stream: %w", err)
	}
	return reply.String(), nil
}
