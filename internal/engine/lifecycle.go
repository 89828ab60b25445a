package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/harunnryd/kekkai/internal/backend"
	"github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/limits"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"
)

// Create provisions a new sandbox and brings it to Running. Validation
// happens before any state exists; a backend failure during
// provisioning tears the environment down again and leaves nothing
// behind.
func (c *Core) Create(ctx context.Context, name string, cfg sandbox.Config) (*sandbox.Sandbox, error) {
	if name == "" {
		return nil, errors.Config("sandbox name is required")
	}
	if err := limits.ValidateAgainstHost(cfg.Limits, c.capacity); err != nil {
		return nil, err
	}
	if cfg.MaxSnapshots < 0 {
		return nil, errors.Config("max_snapshots must not be negative")
	}

	sb := sandbox.New(name, cfg)

	c.mu.Lock()
	if _, taken := c.byName[name]; taken {
		c.mu.Unlock()
		return nil, errors.Config(fmt.Sprintf("sandbox name %q is already in use", name))
	}
	c.sandboxes[sb.ID] = sb
	c.byName[name] = sb.ID
	c.mu.Unlock()

	if err := sb.Transition(sandbox.StateInitializing); err != nil {
		c.unregister(sb)
		return nil, err
	}

	if err := c.backend.Start(ctx, backend.StartSpec{
		SandboxID: sb.ID,
		Name:      sb.Name,
		Limits:    sb.Config.Limits,
	}); err != nil {
		c.abortCreate(ctx, sb)
		return nil, errors.Wrap(err, "provision sandbox environment")
	}

	if err := sb.Transition(sandbox.StateRunning); err != nil {
		c.abortCreate(ctx, sb)
		return nil, err
	}

	if err := c.store.SaveRecord(state.RecordOf(sb)); err != nil {
		c.abortCreate(ctx, sb)
		return nil, errors.Wrap(err, "persist sandbox record")
	}

	slog.Info("Sandbox created",
		"sandbox_id", sb.ID,
		"name", sb.Name,
		"cpu_percent", cfg.Limits.CPUPercent,
		"memory_mb", cfg.Limits.MemoryMB,
		"disk_mb", cfg.Limits.DiskMB,
	)
	return sb, nil
}

// abortCreate unwinds a create that failed after provisioning started.
func (c *Core) abortCreate(ctx context.Context, sb *sandbox.Sandbox) {
	if err := c.backend.Stop(context.WithoutCancel(ctx), sb.ID); err != nil {
		slog.Warn("Failed to tear down sandbox environment after create failure",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
	if err := sb.Transition(sandbox.StateDestroyed); err != nil {
		slog.Error("Failed to mark aborted sandbox destroyed",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
	c.unregister(sb)
}

func (c *Core) unregister(sb *sandbox.Sandbox) {
	c.mu.Lock()
	delete(c.sandboxes, sb.ID)
	if c.byName[sb.Name] == sb.ID {
		delete(c.byName, sb.Name)
	}
	c.mu.Unlock()
}

// Get resolves a sandbox by ID or name.
func (c *Core) Get(ref string) (*sandbox.Sandbox, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sb, ok := c.sandboxes[ref]; ok {
		return sb, nil
	}
	if id, ok := c.byName[ref]; ok {
		return c.sandboxes[id], nil
	}
	return nil, errors.NotFound(fmt.Sprintf("sandbox %q", ref))
}

// List returns all known sandboxes, oldest first.
func (c *Core) List() []*sandbox.Sandbox {
	c.mu.RLock()
	out := make([]*sandbox.Sandbox, 0, len(c.sandboxes))
	for _, sb := range c.sandboxes {
		out = append(out, sb)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sandboxes implements the sandbox listing the monitor and the sweeper
// consume.
func (c *Core) Sandboxes() []*sandbox.Sandbox {
	return c.List()
}

// Pause suspends a running sandbox. Pausing a paused sandbox is a
// no-op.
func (c *Core) Pause(ctx context.Context, ref string) error {
	sb, err := c.Get(ref)
	if err != nil {
		return err
	}

	c.locks.Lock(sb.ID)
	defer c.locks.Unlock(sb.ID)

	if sb.State() == sandbox.StatePaused {
		return nil
	}
	if err := sb.Transition(sandbox.StatePaused); err != nil {
		return err
	}
	if err := c.store.SaveRecord(state.RecordOf(sb)); err != nil {
		return errors.Wrap(err, "persist sandbox record")
	}

	slog.Info("Sandbox paused", "sandbox_id", sb.ID)
	return nil
}

// Resume returns a paused sandbox to Running. Resuming a running
// sandbox is a no-op.
func (c *Core) Resume(ctx context.Context, ref string) error {
	sb, err := c.Get(ref)
	if err != nil {
		return err
	}

	c.locks.Lock(sb.ID)
	defer c.locks.Unlock(sb.ID)

	if sb.State() == sandbox.StateRunning {
		return nil
	}
	if err := sb.Transition(sandbox.StateRunning); err != nil {
		return err
	}
	if err := c.store.SaveRecord(state.RecordOf(sb)); err != nil {
		return errors.Wrap(err, "persist sandbox record")
	}

	slog.Info("Sandbox resumed", "sandbox_id", sb.ID)
	return nil
}

// Destroy tears a sandbox down and removes everything stored for it.
// Destroy is legal from any state and repeated destroys are no-ops.
func (c *Core) Destroy(ctx context.Context, ref string) error {
	sb, err := c.Get(ref)
	if err != nil {
		// Idempotency over strictness: destroying something already
		// gone succeeds.
		return nil
	}

	c.locks.Lock(sb.ID)

	if sb.State() != sandbox.StateDestroyed {
		if err := sb.Transition(sandbox.StateDestroyed); err != nil {
			c.locks.Unlock(sb.ID)
			return err
		}
	}

	if err := c.backend.Stop(context.WithoutCancel(ctx), sb.ID); err != nil {
		slog.Warn("Failed to tear down sandbox environment",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
	if err := c.store.RemoveSandbox(sb.ID); err != nil {
		slog.Warn("Failed to remove sandbox data",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}

	c.locks.Unlock(sb.ID)
	c.locks.Forget(sb.ID)
	c.rollback.Forget(sb.ID)
	c.monitor.Forget(sb.ID)
	c.unregister(sb)

	slog.Info("Sandbox destroyed", "sandbox_id", sb.ID)
	return nil
}
