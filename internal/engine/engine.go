// Package engine is the gateway's view of the inference engine's
// OpenAI-compatible surface. The engine runs out of process; this client
// only discovers where it listens and confirms it answers. Residency and
// download management go through the control binary, not through here.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEndpoint is the engine's conventional local listener, used when
// the status probe cannot resolve a live one.
const DefaultEndpoint = "http://127.0.0.1:5273/v1"

const defaultHandshakeTimeout = 10 * time.Second

// StatusProbe resolves the engine's control service URL, typically by
// running the control binary's status command.
type StatusProbe func(ctx context.Context) (string, error)

// Descriptor identifies one model variant behind a live endpoint.
type Descriptor struct {
	ID       string
	Endpoint string
}

// Config holds Client construction parameters.
type Config struct {
	// Probe discovers the engine's base URL. Optional; without one the
	// client always answers with DefaultEndpoint.
	Probe StatusProbe
	// HandshakeTimeout bounds the Init listing call. Default 10s.
	HandshakeTimeout time.Duration
	// APIKey is sent as a bearer token when non-empty.
	APIKey     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client resolves and caches the engine endpoint and performs handshakes.
type Client struct {
	probe            StatusProbe
	handshakeTimeout time.Duration
	apiKey           string
	httpc            *http.Client
	log              zerolog.Logger

	mu       sync.Mutex
	endpoint string
}

func New(cfg Config) *Client {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Client{
		probe:            cfg.Probe,
		handshakeTimeout: timeout,
		apiKey:           cfg.APIKey,
		httpc:            httpc,
		log:              cfg.Logger,
	}
}

// Endpoint returns the engine's OpenAI-compatible base URL (ending in /v1).
// The first call resolves it through the status probe and caches the
// result; when the probe cannot answer, the conventional default is
// returned so callers can still attempt the request.
func (c *Client) Endpoint(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.endpoint
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	if c.probe != nil {
		url, err := c.probe(ctx)
		if err == nil && url != "" {
			ep := strings.TrimRight(url, "/") + "/v1"
			c.mu.Lock()
			c.endpoint = ep
			c.mu.Unlock()
			return ep, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.log.Warn().Err(err).Str("fallback", DefaultEndpoint).Msg("status probe failed, using default endpoint")
	}
	return DefaultEndpoint, nil
}

// APIKey returns the bearer token for engine requests, empty when the
// engine does not require one.
func (c *Client) APIKey() string { return c.apiKey }

// Init confirms the engine answers at its endpoint and returns the
// descriptor for id. The handshake is a bounded model-listing call; a
// failed handshake drops the cached endpoint so the next call re-probes,
// which covers the engine restarting on a different port.
func (c *Client) Init(ctx context.Context, id string) (Descriptor, error) {
	endpoint, err := c.Endpoint(ctx)
	if err != nil {
		return Descriptor{}, err
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, endpoint+"/models", nil)
	if err != nil {
		return Descriptor{}, fmt.Errorf("handshake request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.invalidate()
		return Descriptor{}, fmt.Errorf("engine handshake: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.invalidate()
		return Descriptor{}, fmt.Errorf("engine handshake: status %d", resp.StatusCode)
	}
	return Descriptor{ID: id, Endpoint: endpoint}, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.endpoint = ""
	c.mu.Unlock()
}
