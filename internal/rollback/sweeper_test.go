package rollback

import (
	"context"
	"sync"
	"testing"
	"time"

	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	boxes []*sandbox.Sandbox
}

func (f *fakeSource) Sandboxes() []*sandbox.Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sandbox.Sandbox(nil), f.boxes...)
}

func (f *fakeSource) set(boxes ...*sandbox.Sandbox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boxes = boxes
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	manager, _, _, locks := newTestManager(t)
	source := &fakeSource{}

	_, err := NewSweeper(manager, source, locks, "not a schedule", Retention{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrConfig)
}

func TestSweeperLifecycle(t *testing.T) {
	manager, _, _, locks := newTestManager(t)
	source := &fakeSource{}

	sweeper, err := NewSweeper(manager, source, locks, "@hourly", Retention{MaxAge: time.Hour})
	require.NoError(t, err)

	assert.False(t, sweeper.IsRunning())

	ctx := context.Background()
	require.NoError(t, sweeper.Start(ctx))
	assert.True(t, sweeper.IsRunning())

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sweeper.Stop(stopCtx))
	assert.False(t, sweeper.IsRunning())
}

func TestSweepExpiresAgedPoints(t *testing.T) {
	manager, be, store, locks := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	for i := 0; i < 2; i++ {
		_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
		require.NoError(t, err)
	}

	points, err := manager.loadPoints(sb.ID)
	require.NoError(t, err)
	for i := range points {
		points[i].CreatedAt = time.Now().Add(-2 * time.Hour)
	}
	require.NoError(t, manager.savePoints(sb.ID, points))
	ageIndexEntries(t, store, sb.ID, 2*time.Hour)

	// A destroyed sandbox in the listing is skipped, not an error.
	gone := sandbox.Rehydrate(sandbox.NewID(), "gone", sandbox.Config{}, sandbox.StateDestroyed, time.Now().UTC())

	source := &fakeSource{}
	source.set(sb, gone)
	sweeper, err := NewSweeper(manager, source, locks, "@hourly", Retention{MaxAge: time.Hour})
	require.NoError(t, err)

	sweeper.Sweep(context.Background())

	remaining, err := manager.Points(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	entries, err := store.List(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepSkipsBusySandbox(t *testing.T) {
	manager, be, store, locks := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
	require.NoError(t, err)

	points, err := manager.loadPoints(sb.ID)
	require.NoError(t, err)
	for i := range points {
		points[i].CreatedAt = time.Now().Add(-2 * time.Hour)
	}
	require.NoError(t, manager.savePoints(sb.ID, points))
	ageIndexEntries(t, store, sb.ID, 2*time.Hour)

	source := &fakeSource{}
	source.set(sb)
	sweeper, err := NewSweeper(manager, source, locks, "@hourly", Retention{MaxAge: time.Hour})
	require.NoError(t, err)

	locks.Lock(sb.ID)
	sweeper.Sweep(context.Background())
	locks.Unlock(sb.ID)

	// An in-flight operation blocks the sweep for this round.
	remaining, err := manager.Points(sb.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	sweeper.Sweep(context.Background())
	remaining, err = manager.Points(sb.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSweepAppliesPerSandboxSnapshotCap(t *testing.T) {
	manager, be, store, locks := newTestManager(t)
	sb := runningSandbox(sandbox.Config{})
	be.set(sb.ID, []byte("content"))

	for i := 0; i < 3; i++ {
		_, err := manager.CreatePoint(context.Background(), sb, PointMeta{})
		require.NoError(t, err)
	}

	// Cap tightened after a restart: the registry holds more points
	// than the rehydrated config allows.
	capped := sandbox.Rehydrate(sb.ID, sb.Name, sandbox.Config{MaxSnapshots: 1}, sandbox.StateRunning, sb.CreatedAt)
	source := &fakeSource{}
	source.set(capped)

	sweeper, err := NewSweeper(manager, source, locks, "@hourly", Retention{})
	require.NoError(t, err)
	sweeper.Sweep(context.Background())

	remaining, err := manager.Points(sb.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(3), remaining[0].Seq)

	entries, err := store.List(sb.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].Seq)
}
