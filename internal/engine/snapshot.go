package engine

import (
	"context"

	"github.com/harunnryd/kekkai/internal/rollback"
	"github.com/harunnryd/kekkai/internal/state"
)

// Snapshot captures the sandbox's current state as a rollback point.
// The sandbox must be Running or Paused.
func (c *Core) Snapshot(ctx context.Context, ref string, meta rollback.PointMeta) (rollback.Point, error) {
	sb, err := c.Get(ref)
	if err != nil {
		return rollback.Point{}, err
	}

	c.locks.Lock(sb.ID)
	defer c.locks.Unlock(sb.ID)

	return c.rollback.CreatePoint(ctx, sb, meta)
}

// Rollback restores a sandbox to the given target (rollback point ID,
// snapshot ID, label, or the latest snapshot when empty). The rollback
// manager owns the lock here: a sandbox busy with another operation is
// rejected, never queued behind it.
func (c *Core) Rollback(ctx context.Context, ref, target string, opts rollback.Options) error {
	sb, err := c.Get(ref)
	if err != nil {
		return err
	}
	return c.rollback.Rollback(ctx, sb, target, opts)
}

// RollbackLatest is the recovery entry point used by the health
// monitor.
func (c *Core) RollbackLatest(ctx context.Context, sandboxID, reason string) error {
	return c.Rollback(ctx, sandboxID, "", rollback.Options{Reason: reason})
}

// Snapshots lists the stored snapshot entries of a sandbox, oldest
// first.
func (c *Core) Snapshots(ref string) ([]state.IndexEntry, error) {
	sb, err := c.Get(ref)
	if err != nil {
		return nil, err
	}
	return c.store.List(sb.ID)
}

// Points lists the live rollback points of a sandbox, oldest first.
func (c *Core) Points(ref string) ([]rollback.Point, error) {
	sb, err := c.Get(ref)
	if err != nil {
		return nil, err
	}
	return c.rollback.Points(sb.ID)
}

// CleanupSnapshots runs one retention pass for a sandbox and returns
// how many rollback points expired.
func (c *Core) CleanupSnapshots(ctx context.Context, ref string) (int, error) {
	sb, err := c.Get(ref)
	if err != nil {
		return 0, err
	}

	c.locks.Lock(sb.ID)
	defer c.locks.Unlock(sb.ID)

	retention := c.retention
	if sb.Config.MaxSnapshots > 0 {
		retention.MaxCount = sb.Config.MaxSnapshots
	}
	return c.rollback.CleanupPoints(sb.ID, retention)
}
