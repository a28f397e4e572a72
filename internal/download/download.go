// Package download runs model downloads through the control binary, one
// alias at a time. The raw line rate from the CLI can be orders of magnitude
// higher than a remote listener needs, so output is batched: percentage
// lines fold into a progress field, everything else accumulates as logs, and
// a ticker flushes both at a fixed cadence.
package download

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"foundrygate/internal/foundry"
	"foundrygate/internal/sse"
	"foundrygate/pkg/types"
)

// JobState tracks a download job through its lifetime.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// Job is one alias's download. Fields are guarded by the orchestrator's
// lock; callers see copies through Jobs.
type Job struct {
	ID           string
	Alias        string
	State        JobState
	Attempt      int
	Progress     *float64
	ProgressLine string
}

// ControlPlane is the slice of the control client the orchestrator drives.
type ControlPlane interface {
	DownloadModel(ctx context.Context, alias string, onLine foundry.LineFunc) error
	ListCached(ctx context.Context) ([]types.CacheEntry, error)
}

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// transientPattern recognizes server-side failures worth retrying. The CLI
// surfaces upstream HTTP errors in its stderr text.
var transientPattern = regexp.MustCompile(`(?i)\b50[0-9]\b|internal server error|bad gateway|service unavailable|gateway timeout`)

const (
	defaultFlushInterval = 2 * time.Second
	defaultBackoffUnit   = 2 * time.Second
	defaultMaxAttempts   = 3
)

// Config holds Orchestrator construction parameters. Zero values take the
// defaults above.
type Config struct {
	Control       ControlPlane
	FlushInterval time.Duration
	// BackoffUnit scales retry delays: unit * attempt number.
	BackoffUnit time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
}

// Orchestrator owns the download job table and runs request sequences.
type Orchestrator struct {
	control       ControlPlane
	flushInterval time.Duration
	backoffUnit   time.Duration
	maxAttempts   int
	log           zerolog.Logger

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		control:       cfg.Control,
		flushInterval: cfg.FlushInterval,
		backoffUnit:   cfg.BackoffUnit,
		maxAttempts:   cfg.MaxAttempts,
		log:           cfg.Logger,
		jobs:          map[string]*Job{},
	}
	if o.flushInterval <= 0 {
		o.flushInterval = defaultFlushInterval
	}
	if o.backoffUnit <= 0 {
		o.backoffUnit = defaultBackoffUnit
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}
	return o
}

// Run downloads the aliases strictly in order, streaming batched events to
// ch. Per-item failures do not stop the sequence; an alias whose download is
// already running elsewhere is rejected with an error event. One terminal
// done event closes the stream regardless of per-item outcomes.
func (o *Orchestrator) Run(ctx context.Context, aliases []string, ch sse.Sender) error {
	for _, alias := range aliases {
		if ctx.Err() != nil {
			break
		}
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		job, ok := o.admit(alias)
		if !ok {
			jobsTotal.WithLabelValues("rejected").Inc()
			_ = ch.Send(types.DownloadEvent{Alias: alias, Error: "download already running for " + alias})
			continue
		}
		o.runJob(ctx, job, ch)
	}
	_ = ch.Send(types.DownloadEvent{Done: true})
	return ctx.Err()
}

// Jobs returns a snapshot of every job this process has seen, oldest first.
func (o *Orchestrator) Jobs() []types.DownloadJobStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.DownloadJobStatus, 0, len(o.order))
	for _, id := range o.order {
		j := o.jobs[id]
		st := types.DownloadJobStatus{
			ID:      j.ID,
			Alias:   j.Alias,
			State:   string(j.State),
			Attempt: j.Attempt,
		}
		if j.Progress != nil {
			p := *j.Progress
			st.Progress = &p
		}
		out = append(out, st)
	}
	return out
}

// admit creates the job unless the alias already has one in flight.
func (o *Orchestrator) admit(alias string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range o.order {
		j := o.jobs[id]
		if j.Alias == alias && (j.State == StatePending || j.State == StateRunning) {
			return nil, false
		}
	}
	job := &Job{ID: uuid.NewString(), Alias: alias, State: StatePending}
	o.jobs[job.ID] = job
	o.order = append(o.order, job.ID)
	return job, true
}

func (o *Orchestrator) runJob(ctx context.Context, job *Job, ch sse.Sender) {
	var firstStderr string
	for attempt := 1; ; attempt++ {
		o.mu.Lock()
		job.State = StateRunning
		job.Attempt = attempt
		o.mu.Unlock()

		err := o.attempt(ctx, job, ch)
		if err == nil {
			if attempt > 1 {
				_ = ch.Send(types.DownloadEvent{Alias: job.Alias, Log: "Retry succeeded"})
			}
			o.finish(job, StateSucceeded)
			jobsTotal.WithLabelValues("succeeded").Inc()
			_ = ch.Send(types.DownloadEvent{Alias: job.Alias, Log: "Download completed: " + job.Alias})
			return
		}

		stderr := stderrOf(err)
		if firstStderr == "" {
			firstStderr = stderr
		}
		if ctx.Err() != nil || !isTransient(stderr) || attempt >= o.maxAttempts {
			o.finish(job, StateFailed)
			jobsTotal.WithLabelValues("failed").Inc()
			o.log.Error().Err(err).Str("alias", job.Alias).Int("attempt", attempt).Msg("download failed")
			_ = ch.Send(types.DownloadEvent{
				Alias:  job.Alias,
				Error:  fmt.Sprintf("download failed: %v", err),
				Stderr: firstStderr,
			})
			return
		}

		retriesTotal.Inc()
		o.log.Warn().Err(err).Str("alias", job.Alias).Int("attempt", attempt).Msg("transient download failure, retrying")
		select {
		case <-ctx.Done():
		case <-time.After(o.backoffUnit * time.Duration(attempt)):
		}
		// Cheap liveness probe before retrying.
		if _, probeErr := o.control.ListCached(ctx); probeErr != nil {
			o.log.Warn().Err(probeErr).Msg("cache probe before retry failed")
		}
	}
}

// attempt runs one download command with the batching ticker alive for its
// duration, then performs the exit flush.
func (o *Orchestrator) attempt(ctx context.Context, job *Job, ch sse.Sender) error {
	b := &batcher{
		alias: job.Alias,
		ch:    ch,
		onProgress: func(p float64, line string) {
			o.mu.Lock()
			v := p
			job.Progress = &v
			job.ProgressLine = line
			o.mu.Unlock()
		},
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.flush()
			}
		}
	}()

	err := o.control.DownloadModel(ctx, job.Alias, func(_ foundry.StreamName, line string) {
		b.line(line)
	})
	close(stop)
	wg.Wait()
	b.flush()
	return err
}

func (o *Orchestrator) finish(job *Job, state JobState) {
	o.mu.Lock()
	job.State = state
	o.mu.Unlock()
}

func stderrOf(err error) string {
	if ce, ok := foundry.AsCommandError(err); ok {
		return ce.Stderr
	}
	return err.Error()
}

func isTransient(stderr string) bool {
	return transientPattern.MatchString(stderr)
}

// batcher accumulates one download's output between flushes. A percentage
// line replaces the pending progress instead of joining the log buffer.
type batcher struct {
	alias      string
	ch         sse.Sender
	onProgress func(p float64, line string)

	mu            sync.Mutex
	progress      *float64
	progressLine  string
	progressDirty bool
	logs          []string
}

func (b *batcher) line(line string) {
	if m := percentPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			b.mu.Lock()
			b.progress = &v
			b.progressLine = line
			b.progressDirty = true
			b.mu.Unlock()
			if b.onProgress != nil {
				b.onProgress(v, line)
			}
			return
		}
	}
	b.mu.Lock()
	b.logs = append(b.logs, line)
	b.mu.Unlock()
}

func (b *batcher) flush() {
	b.mu.Lock()
	var events []types.DownloadEvent
	if b.progressDirty {
		events = append(events, types.DownloadEvent{
			Alias:        b.alias,
			Progress:     b.progress,
			ProgressLine: b.progressLine,
		})
		b.progressDirty = false
	}
	if len(b.logs) > 0 {
		events = append(events, types.DownloadEvent{
			Alias: b.alias,
			Log:   strings.Join(b.logs, "\n"),
		})
		b.logs = nil
	}
	b.mu.Unlock()
	for _, ev := range events {
		_ = b.ch.Send(ev)
	}
}
