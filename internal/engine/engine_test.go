package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestEndpointProbesOnceAndCaches(t *testing.T) {
	var calls int32
	c := New(Config{
		Probe: func(context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "http://127.0.0.1:9999/", nil
		},
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()
	first, err := c.Endpoint(ctx)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if first != "http://127.0.0.1:9999/v1" {
		t.Fatalf("endpoint = %q", first)
	}
	second, err := c.Endpoint(ctx)
	if err != nil || second != first {
		t.Fatalf("second Endpoint = %q, %v", second, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("probe calls = %d, want 1", n)
	}
}

func TestEndpointFallsBackToDefault(t *testing.T) {
	c := New(Config{
		Probe: func(context.Context) (string, error) {
			return "", fmt.Errorf("service is not running")
		},
		Logger: zerolog.Nop(),
	})
	got, err := c.Endpoint(context.Background())
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if got != DefaultEndpoint {
		t.Fatalf("endpoint = %q, want default", got)
	}
}

func TestEndpointWithoutProbe(t *testing.T) {
	c := New(Config{Logger: zerolog.Nop()})
	got, err := c.Endpoint(context.Background())
	if err != nil || got != DefaultEndpoint {
		t.Fatalf("Endpoint = %q, %v", got, err)
	}
}

func TestInitHandshake(t *testing.T) {
	var gotPath, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer ts.Close()

	c := New(Config{
		Probe:  func(context.Context) (string, error) { return ts.URL + "/", nil },
		APIKey: "local-key",
		Logger: zerolog.Nop(),
	})
	desc, err := c.Init(context.Background(), "Phi-4-generic-gpu")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if desc.ID != "Phi-4-generic-gpu" {
		t.Fatalf("descriptor id = %q", desc.ID)
	}
	if desc.Endpoint != ts.URL+"/v1" {
		t.Fatalf("descriptor endpoint = %q", desc.Endpoint)
	}
	if gotPath != "/v1/models" {
		t.Fatalf("handshake path = %q", gotPath)
	}
	if gotAuth != "Bearer local-key" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestInitFailureDropsCachedEndpoint(t *testing.T) {
	var healthy atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer ts.Close()

	var probes int32
	c := New(Config{
		Probe: func(context.Context) (string, error) {
			atomic.AddInt32(&probes, 1)
			return ts.URL, nil
		},
		Logger: zerolog.Nop(),
	})
	ctx := context.Background()

	if _, err := c.Init(ctx, "m"); err == nil {
		t.Fatalf("expected handshake failure")
	}
	healthy.Store(true)
	if _, err := c.Init(ctx, "m"); err != nil {
		t.Fatalf("Init after recovery: %v", err)
	}
	if n := atomic.LoadInt32(&probes); n != 2 {
		t.Fatalf("probe calls = %d, want re-probe after failed handshake", n)
	}
}
