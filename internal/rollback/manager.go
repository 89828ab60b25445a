package rollback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/kekkai/internal/backend"
	"github.com/harunnryd/kekkai/internal/concurrency"
	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

// Point is a named reference to a stored snapshot. A snapshot stays
// protected from pruning for as long as a live point references it.
type Point struct {
	ID         string `cbor:"id" json:"id"`
	SandboxID  string `cbor:"sandbox_id" json:"sandbox_id"`
	SnapshotID string `cbor:"snapshot_id" json:"snapshot_id"`
	Seq        uint64 `cbor:"seq" json:"seq"`
	Label      string `cbor:"label,omitempty" json:"label,omitempty"`
	Reason     string `cbor:"reason,omitempty" json:"reason,omitempty"`

	// Automatic marks points created by the engine itself (recovery,
	// violation rollback) rather than by an operator.
	Automatic bool `cbor:"automatic" json:"automatic"`

	// RetentionOverride exempts the point from age and count expiry.
	RetentionOverride bool `cbor:"retention_override,omitempty" json:"retention_override,omitempty"`

	CreatedAt time.Time `cbor:"created_at" json:"created_at"`
}

// PointMeta carries caller-supplied metadata for CreatePoint.
type PointMeta struct {
	Label             string
	Reason            string
	Automatic         bool
	RetentionOverride bool
}

// Options controls a rollback run. The zero value preserves the
// sandbox execution log, the safe default.
type Options struct {
	// DiscardLogs rotates the execution log aside after a successful
	// restore instead of keeping it in place.
	DiscardLogs bool
	Reason      string
}

// Retention bounds how many rollback points a sandbox keeps. Zero
// values disable the respective bound.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
}

// NewPointID returns a fresh rollback point identifier.
func NewPointID() string {
	return "rbp-" + ulid.Make().String()
}

// Manager creates rollback points and restores sandboxes to them. It
// owns the per-sandbox point registry (points.cbor next to the
// snapshot index) and the lock discipline around restores.
type Manager struct {
	store   *state.Store
	backend backend.Backend
	locks   *concurrency.SandboxLockManager

	// lastRestored tracks the snapshot seq each sandbox was most
	// recently restored to, for parent lineage on the next capture.
	// In-memory only; lineage restarts at zero after a process restart.
	mu           sync.Mutex
	lastRestored map[string]uint64
}

func NewManager(store *state.Store, be backend.Backend, locks *concurrency.SandboxLockManager) *Manager {
	return &Manager{
		store:        store,
		backend:      be,
		locks:        locks,
		lastRestored: make(map[string]uint64),
	}
}

// CreatePoint captures the sandbox's current state through the
// backend, persists it as a snapshot, and registers a point for it.
// When the sandbox caps its snapshot count, the oldest points beyond
// the cap are expired right away. The caller holds the sandbox
// operation lock.
func (m *Manager) CreatePoint(ctx context.Context, sb *sandbox.Sandbox, meta PointMeta) (Point, error) {
	current := sb.State()
	if current != sandbox.StateRunning && current != sandbox.StatePaused {
		return Point{}, kekkaiErrors.InvalidState(
			fmt.Sprintf("sandbox %s is %s, snapshots require running or paused", sb.ID, current))
	}

	payload, err := m.backend.CaptureState(ctx, sb.ID)
	if err != nil {
		return Point{}, kekkaiErrors.Wrap(err, "capture sandbox state")
	}

	entry, err := m.store.Save(sb.ID, payload, state.SaveMeta{
		Label:     meta.Label,
		ParentSeq: m.restoredSeq(sb.ID),
		Compress:  sb.Config.CompressSnapshots,
	})
	if err != nil {
		return Point{}, err
	}

	point := Point{
		ID:                NewPointID(),
		SandboxID:         sb.ID,
		SnapshotID:        entry.SnapshotID,
		Seq:               entry.Seq,
		Label:             meta.Label,
		Reason:            meta.Reason,
		Automatic:         meta.Automatic,
		RetentionOverride: meta.RetentionOverride,
		CreatedAt:         entry.CreatedAt,
	}

	points, err := m.loadPoints(sb.ID)
	if err != nil {
		// A broken registry must not orphan the snapshot just written.
		slog.Warn("Resetting unreadable rollback point registry",
			"sandbox_id", sb.ID,
			"error", err,
		)
		points = nil
	}
	points = append(points, point)
	if err := m.savePoints(sb.ID, points); err != nil {
		return Point{}, err
	}

	if limit := sb.Config.MaxSnapshots; limit > 0 {
		if _, err := m.CleanupPoints(sb.ID, Retention{MaxCount: limit}); err != nil {
			slog.Warn("Snapshot cap enforcement failed",
				"sandbox_id", sb.ID,
				"error", err,
			)
		}
	}

	slog.Info("Rollback point created",
		"sandbox_id", sb.ID,
		"point_id", point.ID,
		"snapshot_id", entry.SnapshotID,
		"seq", entry.Seq,
		"label", meta.Label,
		"automatic", meta.Automatic,
	)
	return point, nil
}

// Rollback restores the sandbox to the resolved target. It refuses to
// queue behind another operation: if the sandbox lock is held, the
// caller gets an invalid-state error immediately.
func (m *Manager) Rollback(ctx context.Context, sb *sandbox.Sandbox, target string, opts Options) error {
	if !m.locks.TryLock(sb.ID) {
		return kekkaiErrors.InvalidState(
			fmt.Sprintf("sandbox %s is busy with another operation", sb.ID))
	}
	defer m.locks.Unlock(sb.ID)

	return m.RollbackLocked(ctx, sb, target, opts)
}

// RollbackLocked is Rollback for callers that already hold the sandbox
// operation lock.
//
// Target resolution order: rollback point ID, snapshot ID, label
// (newest match). An empty target means the latest snapshot. Once the
// backend restore begins, the run is not cancellable; it either
// completes or fails whole. Any load or restore failure leaves the
// sandbox Unhealthy with its pre-rollback content untouched.
func (m *Manager) RollbackLocked(ctx context.Context, sb *sandbox.Sandbox, target string, opts Options) error {
	entry, err := m.resolve(sb.ID, target)
	if err != nil {
		return err
	}

	// Last cancellation point; after the transition the rollback is
	// committed.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sb.Transition(sandbox.StateRollingBack); err != nil {
		return err
	}
	m.persist(sb)

	slog.Info("Rollback started",
		"sandbox_id", sb.ID,
		"snapshot_id", entry.SnapshotID,
		"seq", entry.Seq,
		"reason", opts.Reason,
	)

	payload, _, err := m.store.Load(sb.ID, entry.SnapshotID)
	if err != nil {
		return m.failRollback(sb, entry.SnapshotID, err)
	}

	if err := m.backend.RestoreState(context.WithoutCancel(ctx), sb.ID, payload); err != nil {
		return m.failRollback(sb, entry.SnapshotID, err)
	}

	if err := sb.Transition(sandbox.StateRunning); err != nil {
		return m.failRollback(sb, entry.SnapshotID, err)
	}
	m.persist(sb)
	m.setRestoredSeq(sb.ID, entry.Seq)

	if opts.DiscardLogs {
		if err := m.store.RotateExecLog(sb.ID); err != nil {
			slog.Warn("Failed to rotate execution log after rollback",
				"sandbox_id", sb.ID,
				"error", err,
			)
		}
	}

	slog.Info("Rollback completed",
		"sandbox_id", sb.ID,
		"snapshot_id", entry.SnapshotID,
		"seq", entry.Seq,
	)
	return nil
}

// failRollback marks the sandbox unhealthy and wraps the cause so both
// the rollback failure and its reason stay testable with errors.Is.
// The sandbox content is whatever it was before the attempt; a restore
// never applies partially.
func (m *Manager) failRollback(sb *sandbox.Sandbox, snapshotID string, cause error) error {
	if err := sb.Transition(sandbox.StateUnhealthy); err != nil {
		slog.Error("Failed to mark sandbox unhealthy",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
	m.persist(sb)

	slog.Error("Rollback failed, sandbox marked unhealthy",
		"sandbox_id", sb.ID,
		"snapshot_id", snapshotID,
		"error", cause,
	)
	return fmt.Errorf("rollback of sandbox %s to %s failed: %w: %w",
		sb.ID, snapshotID, kekkaiErrors.ErrRollback, cause)
}

// CleanupPoints expires points past the retention bounds and prunes
// the snapshots nothing protects anymore. Points with
// RetentionOverride never expire. Returns how many points were
// expired. The caller holds the sandbox operation lock.
func (m *Manager) CleanupPoints(sandboxID string, retention Retention) (int, error) {
	points, err := m.loadPoints(sandboxID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	kept := make([]Point, 0, len(points))
	expired := 0

	for _, point := range points {
		if point.RetentionOverride {
			kept = append(kept, point)
			continue
		}
		if retention.MaxAge > 0 && now.Sub(point.CreatedAt) > retention.MaxAge {
			expired++
			continue
		}
		kept = append(kept, point)
	}

	if retention.MaxCount > 0 && len(kept) > retention.MaxCount {
		over := len(kept) - retention.MaxCount
		retained := make([]Point, 0, retention.MaxCount)
		for _, point := range kept {
			if over > 0 && !point.RetentionOverride {
				expired++
				over--
				continue
			}
			retained = append(retained, point)
		}
		kept = retained
	}

	if expired > 0 {
		if err := m.savePoints(sandboxID, kept); err != nil {
			return 0, err
		}
	}

	protected := make(map[uint64]bool, len(kept))
	for _, point := range kept {
		protected[point.Seq] = true
	}
	if _, err := m.store.Prune(sandboxID, state.PrunePolicy{
		MaxCount: retention.MaxCount,
		MaxAge:   retention.MaxAge,
	}, protected); err != nil {
		slog.Warn("Snapshot prune failed",
			"sandbox_id", sandboxID,
			"error", err,
		)
	}

	if expired > 0 {
		slog.Info("Rollback points expired",
			"sandbox_id", sandboxID,
			"expired", expired,
			"kept", len(kept),
		)
	}
	return expired, nil
}

// Points returns the live rollback points of a sandbox, oldest first.
func (m *Manager) Points(sandboxID string) ([]Point, error) {
	return m.loadPoints(sandboxID)
}

// Forget drops in-memory bookkeeping for a destroyed sandbox.
func (m *Manager) Forget(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastRestored, sandboxID)
}

// resolve maps a rollback target to its index entry. Points win over
// snapshot IDs, snapshot IDs over labels; labels pick the newest
// match; an empty target picks the latest snapshot.
func (m *Manager) resolve(sandboxID, target string) (state.IndexEntry, error) {
	entries, err := m.store.List(sandboxID)
	if err != nil {
		return state.IndexEntry{}, err
	}
	if len(entries) == 0 {
		return state.IndexEntry{}, kekkaiErrors.NotFound(
			fmt.Sprintf("sandbox %s has no snapshots", sandboxID))
	}

	if target == "" {
		return entries[len(entries)-1], nil
	}

	points, err := m.loadPoints(sandboxID)
	if err != nil {
		slog.Warn("Skipping point resolution, registry unreadable",
			"sandbox_id", sandboxID,
			"error", err,
		)
	}
	for _, point := range points {
		if point.ID == target {
			target = point.SnapshotID
			break
		}
	}

	for _, entry := range entries {
		if entry.SnapshotID == target {
			return entry, nil
		}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Label == target {
			return entries[i], nil
		}
	}

	return state.IndexEntry{}, kekkaiErrors.NotFound(
		fmt.Sprintf("no snapshot matches %q for sandbox %s", target, sandboxID))
}

func (m *Manager) pointsPath(sandboxID string) string {
	return filepath.Join(m.store.SandboxDir(sandboxID), "points.cbor")
}

func (m *Manager) loadPoints(sandboxID string) ([]Point, error) {
	data, err := os.ReadFile(m.pointsPath(sandboxID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kekkaiErrors.Wrap(err, "read rollback points")
	}

	var points []Point
	if err := state.Unmarshal(data, &points); err != nil {
		return nil, kekkaiErrors.StateCorruption(
			fmt.Sprintf("rollback points for %s are malformed", sandboxID))
	}
	return points, nil
}

func (m *Manager) savePoints(sandboxID string, points []Point) error {
	data, err := state.Marshal(points)
	if err != nil {
		return kekkaiErrors.Wrap(err, "encode rollback points")
	}
	if err := atomic.WriteFile(m.pointsPath(sandboxID), bytes.NewReader(data)); err != nil {
		return kekkaiErrors.Wrap(err, "write rollback points")
	}
	return nil
}

func (m *Manager) restoredSeq(sandboxID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRestored[sandboxID]
}

func (m *Manager) setRestoredSeq(sandboxID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRestored[sandboxID] = seq
}

// persist best-efforts the sandbox record; the in-memory state is
// authoritative during an operation and the next transition rewrites
// the record anyway.
func (m *Manager) persist(sb *sandbox.Sandbox) {
	if err := m.store.SaveRecord(state.RecordOf(sb)); err != nil {
		slog.Warn("Failed to persist sandbox record",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
}
