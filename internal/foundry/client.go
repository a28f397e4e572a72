// Package foundry wraps the engine's control-plane CLI. It is the only
// package that spawns the control binary; every other component goes through
// the typed operations here. One-shot commands capture their output whole and
// hand it to the report parsers; long-running commands stream assembled lines
// to the caller while mirroring everything to the diagnostic log.
package foundry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundrygate/internal/clitable"
	"foundrygate/pkg/types"
)

// StreamName identifies which pipe a streamed line arrived on.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// LineFunc receives complete, trimmed, non-empty lines from a streamed
// command. RunStreamed serializes calls, so implementations need no locking.
type LineFunc func(stream StreamName, line string)

var serviceURLPattern = regexp.MustCompile(`http://127\.0\.0\.1:\d+/`)

const defaultOnceTimeout = 30 * time.Second

// Config holds Client construction parameters.
type Config struct {
	// Bin is the control binary name or path. Default "foundry".
	Bin string
	// OnceTimeout bounds one-shot command duration. Default 30s.
	OnceTimeout time.Duration
	Logger      zerolog.Logger
}

// Client invokes the control-plane CLI.
type Client struct {
	bin         string
	onceTimeout time.Duration
	log         zerolog.Logger
}

func New(cfg Config) *Client {
	bin := strings.TrimSpace(cfg.Bin)
	if bin == "" {
		bin = "foundry"
	}
	timeout := cfg.OnceTimeout
	if timeout <= 0 {
		timeout = defaultOnceTimeout
	}
	return &Client{bin: bin, onceTimeout: timeout, log: cfg.Logger}
}

// RunOnce runs a command to completion and returns its captured output.
// Non-zero exits surface as a CommandError carrying both captures.
func (c *Client) RunOnce(ctx context.Context, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.onceTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	c.log.Debug().Str("bin", c.bin).Strs("args", args).Msg("run control command")

	err := cmd.Run()
	observeCommand(args, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.String(), stderr.String(), fmt.Errorf("control command %s: %w", strings.Join(args, " "), ctxErr)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), stderr.String(), &CommandError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   tail(stderr.String(), stderrTailLimit),
			}
		}
		return stdout.String(), stderr.String(), fmt.Errorf("spawn %s: %w", c.bin, err)
	}
	return stdout.String(), stderr.String(), nil
}

// RunStreamed spawns a long-running command and relays its output lines as
// they arrive. Partial lines are buffered across chunk boundaries and the
// remaining tail is flushed when the process closes its pipes. Lines are
// also mirrored to the diagnostic log regardless of what the caller does
// with them. A non-zero exit returns a CommandError whose Stderr holds the
// captured stderr for classification.
func (c *Client) RunStreamed(ctx context.Context, args []string, onLine LineFunc) error {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		observeCommand(args, err)
		return fmt.Errorf("spawn %s: %w", c.bin, err)
	}
	c.log.Debug().Str("bin", c.bin).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("stream control command")

	var (
		emitMu    sync.Mutex
		stderrCap strings.Builder
		wg        sync.WaitGroup
	)
	emit := func(stream StreamName, line string) {
		emitMu.Lock()
		defer emitMu.Unlock()
		c.log.Debug().Str("stream", string(stream)).Msg(line)
		if onLine != nil {
			onLine(stream, line)
		}
	}
	drain := func(stream StreamName, r io.Reader, capture *strings.Builder) {
		defer wg.Done()
		var lb lineBuffer
		buf := make([]byte, 4096)
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				if capture != nil && capture.Len() < stderrTailLimit {
					capture.Write(buf[:n])
				}
				for _, line := range lb.Write(buf[:n]) {
					emit(stream, line)
				}
			}
			if readErr != nil {
				if line, ok := lb.Flush(); ok {
					emit(stream, line)
				}
				return
			}
		}
	}
	wg.Add(2)
	go drain(StreamStdout, stdoutPipe, nil)
	go drain(StreamStderr, stderrPipe, &stderrCap)
	wg.Wait()

	err = cmd.Wait()
	observeCommand(args, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("control command %s: %w", strings.Join(args, " "), ctxErr)
		}
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &CommandError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   tail(stderrCap.String(), stderrTailLimit),
		}
	}
	return nil
}

// ListCatalog returns the engine's downloadable catalog.
func (c *Client) ListCatalog(ctx context.Context) ([]types.CatalogModel, error) {
	stdout, _, err := c.RunOnce(ctx, "model", "list")
	if err != nil {
		return nil, err
	}
	return clitable.ParseCatalog(stdout), nil
}

// ListCached returns the artifacts present in the local cache.
func (c *Client) ListCached(ctx context.Context) ([]types.CacheEntry, error) {
	stdout, _, err := c.RunOnce(ctx, "cache", "list")
	if err != nil {
		return nil, err
	}
	return clitable.ParseCacheRows(stdout), nil
}

// ListService returns the models currently resident in the engine.
func (c *Client) ListService(ctx context.Context) ([]types.ServiceModel, error) {
	stdout, _, err := c.RunOnce(ctx, "service", "list")
	if err != nil {
		return nil, err
	}
	return clitable.ParseServiceRows(stdout), nil
}

// ServiceStatus probes the engine's control service and extracts its
// listening URL from the status text.
func (c *Client) ServiceStatus(ctx context.Context) (string, error) {
	stdout, stderr, err := c.RunOnce(ctx, "service", "status")
	if err != nil {
		return "", err
	}
	if url := serviceURLPattern.FindString(stdout + "\n" + stderr); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("no service URL in status output")
}

// StartService asks the engine's control service to start. The returned URL
// is empty when the status text does not carry one.
func (c *Client) StartService(ctx context.Context) (string, error) {
	stdout, stderr, err := c.RunOnce(ctx, "service", "start")
	if err != nil {
		return "", err
	}
	return serviceURLPattern.FindString(stdout + "\n" + stderr), nil
}

// RemoveCached deletes an artifact from the local cache. The underlying tool
// is known to exit non-zero on cosmetic failures after completing the real
// deletion, so an erroring exit whose output still reports the removal is
// reclassified as success; the returned warning carries the exit diagnostics.
func (c *Client) RemoveCached(ctx context.Context, modelID string) (string, error) {
	stdout, _, err := c.RunOnce(ctx, "cache", "remove", modelID, "--yes")
	if err != nil {
		ce, ok := AsCommandError(err)
		if ok && removalSucceeded(stdout + "\n" + ce.Stdout) {
			warning := fmt.Sprintf("cache remove exited %d after removing %s: %s",
				ce.ExitCode, modelID, tail(ce.Stderr, 256))
			c.log.Warn().Str("model_id", modelID).Int("exit", ce.ExitCode).Msg("cache remove reclassified as success")
			return warning, nil
		}
		return "", err
	}
	return "", nil
}

func removalSucceeded(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "removed") || strings.Contains(lower, "deleted")
}

// LoadModel streams `model load` output for the given variant.
func (c *Client) LoadModel(ctx context.Context, modelID string, onLine LineFunc) error {
	return c.RunStreamed(ctx, []string{"model", "load", modelID}, onLine)
}

// UnloadModel streams `model unload` output for the given variant.
func (c *Client) UnloadModel(ctx context.Context, modelID string, onLine LineFunc) error {
	return c.RunStreamed(ctx, []string{"model", "unload", modelID}, onLine)
}

// DownloadModel streams `model download` output for the given alias.
func (c *Client) DownloadModel(ctx context.Context, alias string, onLine LineFunc) error {
	return c.RunStreamed(ctx, []string{"model", "download", alias}, onLine)
}
