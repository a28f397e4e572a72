// Package residency enforces the capacity-1 residency invariant: at most one
// model loaded in the inference engine at any observed instant. The engine
// offers no notifications, so every state change here is confirmed by
// re-listing through the control binary with bounded polling. All mutating
// operations serialize behind a single lock; two concurrent loads can never
// both observe an empty engine and double-fill it.
package residency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foundrygate/internal/engine"
	"foundrygate/internal/foundry"
	"foundrygate/internal/sse"
	"foundrygate/pkg/types"
)

// ControlPlane is the slice of the control client the controller drives.
type ControlPlane interface {
	ListService(ctx context.Context) ([]types.ServiceModel, error)
	LoadModel(ctx context.Context, modelID string, onLine foundry.LineFunc) error
	UnloadModel(ctx context.Context, modelID string, onLine foundry.LineFunc) error
}

// Handshaker confirms the engine answers for a loaded model. Handshake
// failures are advisory for residency purposes.
type Handshaker interface {
	Init(ctx context.Context, id string) (engine.Descriptor, error)
}

// Slot is the at-most-one resident model record.
type Slot struct {
	Alias   string
	ModelID string
}

// waitPolicy decides what a convergence ceiling expiry means.
type waitPolicy int

const (
	// bestEffort logs the expiry and lets the operation continue.
	bestEffort waitPolicy = iota
	// required turns the expiry into a terminal error.
	required
)

const (
	defaultPollInterval     = time.Second
	defaultGoneTimeout      = 60 * time.Second
	defaultHereTimeout      = 120 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Config holds Controller construction parameters. Zero durations take the
// defaults above.
type Config struct {
	Control ControlPlane
	// Engine is optional; handshakes are skipped when nil.
	Engine           Handshaker
	PollInterval     time.Duration
	GoneTimeout      time.Duration
	HereTimeout      time.Duration
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// Controller owns the residency slot and drives the engine toward it.
type Controller struct {
	control          ControlPlane
	engine           Handshaker
	poll             time.Duration
	goneCeiling      time.Duration
	hereCeiling      time.Duration
	handshakeTimeout time.Duration
	log              zerolog.Logger

	// opMu serializes every residency-mutating operation.
	opMu sync.Mutex

	slotMu sync.Mutex
	slot   Slot
}

func New(cfg Config) *Controller {
	c := &Controller{
		control:          cfg.Control,
		engine:           cfg.Engine,
		poll:             cfg.PollInterval,
		goneCeiling:      cfg.GoneTimeout,
		hereCeiling:      cfg.HereTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		log:              cfg.Logger,
	}
	if c.poll <= 0 {
		c.poll = defaultPollInterval
	}
	if c.goneCeiling <= 0 {
		c.goneCeiling = defaultGoneTimeout
	}
	if c.hereCeiling <= 0 {
		c.hereCeiling = defaultHereTimeout
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// Resident returns the committed slot, if any.
func (c *Controller) Resident() (alias, modelID string, ok bool) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if c.slot.ModelID == "" {
		return "", "", false
	}
	return c.slot.Alias, c.slot.ModelID, true
}

// EnsureResident drives the engine until modelID is the only resident model,
// relaying command output to ch, and commits the slot on success. The
// returned string is the resolved model id. A terminal done event is emitted
// on success; errors are left for the caller to report.
func (c *Controller) EnsureResident(ctx context.Context, alias, modelID string, ch sse.Sender) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	running, err := c.control.ListService(ctx)
	if err != nil {
		return "", err
	}
	targetResident := hasModel(running, modelID)
	others := othersResident(running, modelID)

	if targetResident {
		_ = ch.Send(types.LoadEvent{Log: fmt.Sprintf("Model already loaded: %s (%s)", alias, modelID)})
	}

	if len(others) > 0 {
		for _, m := range others {
			unloadsTotal.Inc()
			err := c.control.UnloadModel(ctx, m.ModelID, func(_ foundry.StreamName, line string) {
				_ = ch.Send(types.LoadEvent{Log: line})
			})
			if err != nil {
				c.log.Error().Err(err).Str("model_id", m.ModelID).Msg("unload command failed")
				_ = ch.Send(types.LoadEvent{Log: fmt.Sprintf("Unload failed for %s: %v", m.Alias, err)})
				continue
			}
			_ = ch.Send(types.LoadEvent{Unloaded: m.Alias})
			c.clearSlotIf(m.ModelID)
		}
		// Eviction is advisory. Proceed after the ceiling rather than
		// block the load behind a lagging control plane.
		if err := c.waitConverged(ctx, "eviction", modelID, c.goneCeiling, bestEffort, func(rows []types.ServiceModel) bool {
			return len(othersResident(rows, modelID)) == 0
		}); err != nil {
			return "", err
		}
	}

	if !targetResident {
		loadsTotal.Inc()
		if err := c.control.LoadModel(ctx, modelID, func(_ foundry.StreamName, line string) {
			_ = ch.Send(types.LoadEvent{Log: line})
		}); err != nil {
			return "", err
		}
		if err := c.waitConverged(ctx, "appearance", modelID, c.hereCeiling, required, func(rows []types.ServiceModel) bool {
			return hasModel(rows, modelID)
		}); err != nil {
			return "", err
		}
	}

	c.handshake(ctx, modelID)
	c.setSlot(alias, modelID)
	_ = ch.Send(types.LoadEvent{Done: true, ModelID: modelID})
	return modelID, nil
}

// Release unloads alias when forced and clears a matching slot. Non-forced
// release is a no-op; the engine's own idle policy governs eventual
// eviction.
func (c *Controller) Release(ctx context.Context, alias string, force bool) error {
	if !force {
		return nil
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	running, err := c.control.ListService(ctx)
	if err != nil {
		return err
	}
	for _, m := range running {
		if m.Alias != alias && m.ModelID != alias {
			continue
		}
		unloadsTotal.Inc()
		if err := c.control.UnloadModel(ctx, m.ModelID, nil); err != nil {
			return err
		}
		c.clearSlotIf(m.ModelID)
	}
	return nil
}

// waitConverged polls the residency listing until settled reports true,
// bounded by ceiling. What an expiry means is the caller's explicit choice:
// bestEffort proceeds, required fails.
func (c *Controller) waitConverged(ctx context.Context, op, modelID string, ceiling time.Duration, policy waitPolicy, settled func([]types.ServiceModel) bool) error {
	deadline := time.Now().Add(ceiling)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		rows, err := c.control.ListService(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("op", op).Msg("residency poll failed")
		} else if settled(rows) {
			return nil
		}
		if !time.Now().Before(deadline) {
			convergenceTimeouts.WithLabelValues(op).Inc()
			if policy == required {
				return ErrConvergenceTimeout(op, modelID, ceiling)
			}
			c.log.Warn().Str("op", op).Str("model_id", modelID).Dur("ceiling", ceiling).Msg("convergence ceiling expired, proceeding")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handshake performs the bounded engine init. Failures are logged only; a
// model that just appeared in the listing is usually already usable.
func (c *Controller) handshake(ctx context.Context, modelID string) {
	if c.engine == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	if _, err := c.engine.Init(hctx, modelID); err != nil {
		c.log.Warn().Err(err).Str("model_id", modelID).Msg("engine handshake failed")
	}
}

func (c *Controller) setSlot(alias, modelID string) {
	c.slotMu.Lock()
	c.slot = Slot{Alias: alias, ModelID: modelID}
	c.slotMu.Unlock()
}

func (c *Controller) clearSlotIf(modelID string) {
	c.slotMu.Lock()
	if c.slot.ModelID == modelID {
		c.slot = Slot{}
	}
	c.slotMu.Unlock()
}

func hasModel(rows []types.ServiceModel, modelID string) bool {
	for _, m := range rows {
		if m.ModelID == modelID {
			return true
		}
	}
	return false
}

func othersResident(rows []types.ServiceModel, keepID string) []types.ServiceModel {
	var out []types.ServiceModel
	for _, m := range rows {
		if m.ModelID != keepID {
			out = append(out, m)
		}
	}
	return out
}
