package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foundrygate/internal/chat"
	"foundrygate/internal/download"
	"foundrygate/internal/engine"
	"foundrygate/internal/foundry"
	"foundrygate/internal/httpapi"
	"foundrygate/internal/residency"
)

// writeFoundryScript materializes a fake control CLI as a shell script. The
// script carries its own state directory so listings can react to earlier
// load/unload/download invocations.
func writeFoundryScript(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI scripts need a POSIX shell")
	}
	dir := t.TempDir()
	p := filepath.Join(dir, "foundry")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake CLI: %v", err)
	}
	return p
}

// expand substitutes placeholder tokens inside a script template.
func expand(script string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(script)
}

type gateway struct {
	srv *httptest.Server
	res *residency.Controller
}

// newGateway wires the real component stack against the given control
// binary and serves it over httptest. Poll intervals and ceilings are
// tightened so convergence scenarios finish in milliseconds.
func newGateway(t *testing.T, bin string) *gateway {
	t.Helper()
	logger := zerolog.Nop()
	cli := foundry.New(foundry.Config{Bin: bin, OnceTimeout: 5 * time.Second, Logger: logger})
	eng := engine.New(engine.Config{Probe: cli.ServiceStatus, HandshakeTimeout: time.Second, Logger: logger})
	res := residency.New(residency.Config{
		Control:          cli,
		Engine:           eng,
		PollInterval:     5 * time.Millisecond,
		GoneTimeout:      250 * time.Millisecond,
		HereTimeout:      2 * time.Second,
		HandshakeTimeout: time.Second,
		Logger:           logger,
	})
	dl := download.New(download.Config{
		Control:       cli,
		FlushInterval: 10 * time.Millisecond,
		BackoffUnit:   time.Millisecond,
		MaxAttempts:   3,
		Logger:        logger,
	})
	proxy := chat.New(chat.Config{Control: cli, Residency: res, Engine: eng, Logger: logger})
	mux := httpapi.NewMux(httpapi.Services{
		Control:   cli,
		Residency: res,
		Downloads: dl,
		Chat:      proxy,
		Sessions:  proxy.Sessions(),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &gateway{srv: srv, res: res}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// decodeFrames parses an SSE response body into one raw JSON document per
// data frame.
func decodeFrames(t *testing.T, body []byte) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, block := range strings.Split(string(body), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed SSE frame: %q", block)
		}
		out = append(out, json.RawMessage(strings.TrimPrefix(block, "data: ")))
	}
	return out
}

// frameSet unmarshals every frame into a generic map for loose assertions.
func frameSet(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	raw := decodeFrames(t, body)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		var m map[string]any
		if err := json.Unmarshal(r, &m); err != nil {
			t.Fatalf("frame json: %v in %s", err, string(r))
		}
		out = append(out, m)
	}
	return out
}

// countLines reports the number of non-empty lines in a state file, zero
// when the file does not exist yet.
func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read %s: %v", path, err)
	}
	n := 0
	for _, ln := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(ln) != "" {
			n++
		}
	}
	return n
}
