package rollback

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/kekkai/internal/backend"
	"github.com/harunnryd/kekkai/internal/concurrency"
	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend keeps sandbox state as an in-memory byte slice.
type fakeBackend struct {
	mu         sync.Mutex
	content    map[string][]byte
	captureErr error
	restoreErr error
	restores   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{content: make(map[string][]byte)}
}

func (f *fakeBackend) set(sandboxID string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[sandboxID] = content
}

func (f *fakeBackend) get(sandboxID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[sandboxID]
}

func (f *fakeBackend) Start(ctx context.Context, spec backend.StartSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.content[spec.SandboxID]; !ok {
		f.content[spec.SandboxID] = nil
	}
	return nil
}

func (f *fakeBackend) Exec(ctx context.Context, sandboxID string, cmd backend.Command) (*backend.ExecutionResult, error) {
	return &backend.ExecutionResult{}, nil
}

func (f *fakeBackend) CaptureState(ctx context.Context, sandboxID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	captured := make([]byte, len(f.content[sandboxID]))
	copy(captured, f.content[sandboxID])
	return captured, nil
}

func (f *fakeBackend) RestoreState(ctx context.Context, sandboxID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.content[sandboxID] = payload
	f.restores++
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.content, sandboxID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend, *state.Store, *concurrency.SandboxLockManager) {
	t.Helper()
	store, err := state.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	be := newFakeBackend()
	locks := concurrency.NewSandboxLockManager()
	return NewManager(store, be, locks), be, store, locks
}

func runningSandbox(cfg sandbox.Config) *sandbox.Sandbox {
	return sandbox.Rehydrate(sandbox.NewID(), "test-box", cfg, sandbox.StateRunning, time.Now().UTC())
}

// ageIndexEntries rewrites the snapshot index with CreatedAt shifted
// into the past, mirroring how the point registry is aged.
func ageIndexEntries(t *testing.T, store *state.Store, sandboxID string, age time.Duration) {
	t.Helper()
	entries, err := store.List(sandboxID)
	require.NoError(t, err)

	var buf bytes.Buffer
	for i := range entries {
		entries[i].CreatedAt = entries[i].CreatedAt.Add(-age)
		data, err := state.Marshal(entries[i])
		require.NoError(t, err)
		buf.Write(data)
	}
	indexPath := filepath.Join(store.SandboxDir(sandboxID), "snapshots", "index.cbor")
	require.NoError(t, os.WriteFile(indexPath, buf.Bytes(), 0o644))
}

func TestCreatePointPersistsSnapshotAndRegistry(t *testing.T) {
	manager, be, store, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("initial sandbox content"))

	point, err := manager.CreatePoint(context.Background(), sb, PointMeta{Label: "before-upgrade", Reason: "manual"})
	require.NoError(t, err)
	assert.Contains(t, point.ID, "rbp-")
	assert.Equal(t, sb.ID, point.SandboxID)
	assert.Equal(t, uint64(1), point.Seq)
	assert.Equal(t, "before-upgrade", point.Label)
	assert.False(t, point.Automatic)
	assert.Equal(t, sandbox.StateRunning, sb.State())

	entries, err := store.List(sb.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, point.SnapshotID, entries[0].SnapshotID)

	points, err := manager.Points(sb.ID)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, point.ID, points[0].ID)
}

func TestCreatePointRequiresRunningOrPaused(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	sb := sandbox.New("fresh", sandbox.Config{})

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrInvalidState)
}

func TestCreatePointAllowsPaused(t *testing.T) {
	manager, be, _, _ := newTestManager(t)
	sb := sandbox.Rehydrate(sandbox.NewID(), "paused-box", sandbox.Config{}, sandbox.StatePaused, time.Now().UTC())
	be.set(sb.ID, []byte("paused content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatePaused, sb.State())
}

func TestCreatePointEnforcesSnapshotCap(t *testing.T) {
	manager, be, store, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{MaxSnapshots: 2})

	for i := 0; i < 3; i++ {
		be.set(sb.ID, []byte{byte(i)})
		_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
		require.NoError(t, err)
	}

	points, err := manager.Points(sb.ID)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, uint64(2), points[0].Seq)
	assert.Equal(t, uint64(3), points[1].Seq)

	entries, err := store.List(sb.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, uint64(3), entries[1].Seq)
}

func TestRollbackRestoresSnapshotContent(t *testing.T) {
	manager, be, store, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})

	be.set(sb.ID, []byte("good state"))
	point, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	be.set(sb.ID, []byte("broken state"))
	require.NoError(t, manager.Rollback(context.Background(), sb, point.ID, Options{}))

	assert.Equal(t, []byte("good state"), be.get(sb.ID))
	assert.Equal(t, sandbox.StateRunning, sb.State())

	// The next capture records the restored snapshot as its parent.
	next, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)
	entries, err := store.List(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, next.Seq, entries[len(entries)-1].Seq)
	assert.Equal(t, point.Seq, entries[len(entries)-1].ParentSeq)
}

func TestRollbackTargetResolution(t *testing.T) {
	manager, be, _, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})

	be.set(sb.ID, []byte("v1"))
	first, err := manager.CreatePoint(context.Background(), sb, PointMeta{Label: "stable"})
	require.NoError(t, err)

	be.set(sb.ID, []byte("v2"))
	second, err := manager.CreatePoint(context.Background(), sb, PointMeta{Label: "stable"})
	require.NoError(t, err)

	be.set(sb.ID, []byte("v3"))
	third, err := manager.CreatePoint(context.Background(), sb, PointMeta{Label: "latest"})
	require.NoError(t, err)

	// Point ID.
	be.set(sb.ID, []byte("dirty"))
	require.NoError(t, manager.Rollback(context.Background(), sb, first.ID, Options{}))
	assert.Equal(t, []byte("v1"), be.get(sb.ID))

	// Snapshot ID.
	be.set(sb.ID, []byte("dirty"))
	require.NoError(t, manager.Rollback(context.Background(), sb, third.SnapshotID, Options{}))
	assert.Equal(t, []byte("v3"), be.get(sb.ID))

	// Label resolves to the newest match.
	be.set(sb.ID, []byte("dirty"))
	require.NoError(t, manager.Rollback(context.Background(), sb, "stable", Options{}))
	assert.Equal(t, []byte("v2"), be.get(sb.ID))
	_ = second

	// Empty target means the latest snapshot.
	be.set(sb.ID, []byte("dirty"))
	require.NoError(t, manager.Rollback(context.Background(), sb, "", Options{}))
	assert.Equal(t, []byte("v3"), be.get(sb.ID))
}

func TestRollbackRejectsWhenSandboxBusy(t *testing.T) {
	manager, be, _, locks := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	locks.Lock(sb.ID)
	defer locks.Unlock(sb.ID)

	err = manager.Rollback(context.Background(), sb, "", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrInvalidState)
	assert.Equal(t, sandbox.StateRunning, sb.State())
}

func TestRollbackRequiresRunning(t *testing.T) {
	manager, be, _, _ := newTestManager(t)
	sb := sandbox.Rehydrate(sandbox.NewID(), "paused-box", sandbox.Config{}, sandbox.StatePaused, time.Now().UTC())
	be.set(sb.ID, []byte("content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	err = manager.Rollback(context.Background(), sb, "", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrInvalidState)
	assert.Equal(t, sandbox.StatePaused, sb.State())
}

func TestRollbackUnknownTargetLeavesSandboxRunning(t *testing.T) {
	manager, be, _, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	err = manager.Rollback(context.Background(), sb, "no-such-target", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrNotFound)
	assert.Equal(t, sandbox.StateRunning, sb.State())
}

func TestRollbackNoSnapshots(t *testing.T) {
	manager, _, _, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})

	err := manager.Rollback(context.Background(), sb, "", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrNotFound)
	assert.Equal(t, sandbox.StateRunning, sb.State())
}

func TestRollbackCorruptSnapshotMarksUnhealthy(t *testing.T) {
	manager, be, store, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("authoritative content"))

	point, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	// Flip one byte of the stored payload.
	blobPath := filepath.Join(store.SandboxDir(sb.ID), "snapshots", point.SnapshotID+".blob")
	blob, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	blob[3] ^= 0xFF
	require.NoError(t, os.WriteFile(blobPath, blob, 0o644))

	be.set(sb.ID, []byte("pre-rollback content"))
	err = manager.Rollback(context.Background(), sb, point.ID, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrRollback)
	assert.ErrorIs(t, err, kekkaiErrors.ErrStateCorruption)

	// Failure is loud, the state is unhealthy, the content untouched.
	assert.Equal(t, sandbox.StateUnhealthy, sb.State())
	assert.Equal(t, []byte("pre-rollback content"), be.get(sb.ID))
	assert.Equal(t, 0, be.restores)
}

func TestRollbackRestoreFailureMarksUnhealthy(t *testing.T) {
	manager, be, _, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	be.restoreErr = kekkaiErrors.Backend("restore blew up")
	err = manager.Rollback(context.Background(), sb, "", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrRollback)
	assert.ErrorIs(t, err, kekkaiErrors.ErrBackend)
	assert.Equal(t, sandbox.StateUnhealthy, sb.State())
}

func TestRollbackDiscardLogsRotatesExecLog(t *testing.T) {
	manager, be, store, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)
	require.NoError(t, store.AppendExecLog(sb.ID, map[string]string{"command": "echo hi"}))

	execLog := filepath.Join(store.SandboxDir(sb.ID), "exec.log")

	// Default keeps the log in place.
	require.NoError(t, manager.Rollback(context.Background(), sb, "", Options{}))
	_, err = os.Stat(execLog)
	require.NoError(t, err)

	require.NoError(t, manager.Rollback(context.Background(), sb, "", Options{DiscardLogs: true}))
	_, err = os.Stat(execLog)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupPointsExpiryProtectsOverrides(t *testing.T) {
	manager, be, store, _ := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})

	be.set(sb.ID, []byte("pinned"))
	pinned, err := manager.CreatePoint(context.Background(), sb, PointMeta{Label: "pinned", RetentionOverride: true})
	require.NoError(t, err)

	be.set(sb.ID, []byte("expendable"))
	expendable, err := manager.CreatePoint(context.Background(), sb, PointMeta{Label: "expendable"})
	require.NoError(t, err)

	// Age both points and their snapshot entries past the bound.
	points, err := manager.loadPoints(sb.ID)
	require.NoError(t, err)
	for i := range points {
		points[i].CreatedAt = time.Now().Add(-2 * time.Hour)
	}
	require.NoError(t, manager.savePoints(sb.ID, points))
	ageIndexEntries(t, store, sb.ID, 2*time.Hour)

	expired, err := manager.CleanupPoints(sb.ID, Retention{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	remaining, err := manager.Points(sb.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, pinned.ID, remaining[0].ID)

	// The override keeps its snapshot alive through the prune; the
	// expired point's snapshot is reclaimed.
	entries, err := store.List(sb.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pinned.Seq, entries[0].Seq)

	_, _, err = store.Load(sb.ID, expendable.SnapshotID)
	assert.ErrorIs(t, err, kekkaiErrors.ErrNotFound)
}
