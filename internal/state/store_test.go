package state

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/limits"
	"github.com/harunnryd/kekkai/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func compressiblePayload() []byte {
	return bytes.Repeat([]byte("kekkai snapshot payload "), 200)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	payload := compressiblePayload()

	entry, err := store.Save("sbx-1", payload, SaveMeta{Label: "before-upgrade", Compress: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Seq)
	assert.True(t, strings.HasPrefix(entry.SnapshotID, "snap-"))
	assert.Equal(t, "before-upgrade", entry.Label)
	assert.Equal(t, CompressionZstd, entry.Compression)
	assert.Equal(t, int64(len(payload)), entry.PayloadSize)
	assert.Less(t, entry.StoredSize, entry.PayloadSize)
	assert.Equal(t, ChecksumOf(payload), entry.Checksum)

	loaded, loadedEntry, err := store.Load("sbx-1", entry.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)
	assert.Equal(t, entry.SnapshotID, loadedEntry.SnapshotID)
	assert.Equal(t, entry.Checksum, loadedEntry.Checksum)
}

func TestStoreSaveAssignsMonotonicSeq(t *testing.T) {
	store := openTestStore(t)

	for want := uint64(1); want <= 3; want++ {
		entry, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
		require.NoError(t, err)
		assert.Equal(t, want, entry.Seq)
	}

	entries, err := store.List("sbx-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, uint64(i+1), entry.Seq)
	}
}

func TestStoreLoadUnknownSnapshot(t *testing.T) {
	store := openTestStore(t)

	_, _, err := store.Load("sbx-1", "snap-does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrNotFound)
}

func TestStoreLoadDetectsTamperedPayload(t *testing.T) {
	store := openTestStore(t)

	entry, err := store.Save("sbx-1", []byte("authoritative sandbox state"), SaveMeta{Compress: false})
	require.NoError(t, err)

	blobPath := store.blobPath("sbx-1", entry.SnapshotID)
	blob, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	blob[5] ^= 0xFF
	require.NoError(t, os.WriteFile(blobPath, blob, 0o644))

	_, _, err = store.Load("sbx-1", entry.SnapshotID)
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrStateCorruption)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestStoreLoadDetectsTruncatedPayload(t *testing.T) {
	store := openTestStore(t)

	entry, err := store.Save("sbx-1", compressiblePayload(), SaveMeta{Compress: true})
	require.NoError(t, err)

	blobPath := store.blobPath("sbx-1", entry.SnapshotID)
	blob, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(blobPath, blob[:len(blob)/2], 0o644))

	_, _, err = store.Load("sbx-1", entry.SnapshotID)
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrStateCorruption)
}

func TestStoreLoadDetectsMissingPayload(t *testing.T) {
	store := openTestStore(t)

	entry, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(store.blobPath("sbx-1", entry.SnapshotID)))

	_, _, err = store.Load("sbx-1", entry.SnapshotID)
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrStateCorruption)
	assert.Contains(t, err.Error(), "missing")
}

func TestStoreSeqNeverReusedAfterPrune(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
		require.NoError(t, err)
	}

	// Age every entry past the bound so the prune removes all of them.
	entries, _, err := store.readIndex("sbx-1")
	require.NoError(t, err)
	for i := range entries {
		entries[i].CreatedAt = time.Now().Add(-2 * time.Hour)
	}
	require.NoError(t, store.compactIndex("sbx-1", entries))

	removed, err := store.Prune("sbx-1", PrunePolicy{MaxAge: time.Hour}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	remaining, err := store.List("sbx-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	entry, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), entry.Seq)
}

func TestStorePruneRespectsProtectedSeqs(t *testing.T) {
	store := openTestStore(t)

	var saved []IndexEntry
	for i := 0; i < 5; i++ {
		entry, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
		require.NoError(t, err)
		saved = append(saved, entry)
	}

	removed, err := store.Prune("sbx-1", PrunePolicy{MaxCount: 2}, map[uint64]bool{1: true})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := store.List("sbx-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)

	_, err = os.Stat(store.blobPath("sbx-1", saved[0].SnapshotID))
	assert.NoError(t, err)
	_, err = os.Stat(store.blobPath("sbx-1", saved[1].SnapshotID))
	assert.True(t, os.IsNotExist(err))
}

func TestStorePruneMaxAgeKeepsFreshEntries(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Save("sbx-1", []byte("old"), SaveMeta{})
	require.NoError(t, err)
	fresh, err := store.Save("sbx-1", []byte("fresh"), SaveMeta{})
	require.NoError(t, err)

	entries, _, err := store.readIndex("sbx-1")
	require.NoError(t, err)
	entries[0].CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.compactIndex("sbx-1", entries))

	removed, err := store.Prune("sbx-1", PrunePolicy{MaxAge: 24 * time.Hour}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	remaining, err := store.List("sbx-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.SnapshotID, remaining[0].SnapshotID)
}

func TestStorePruneRemovesOrphanBlobs(t *testing.T) {
	store := openTestStore(t)

	entry, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
	require.NoError(t, err)

	// An interrupted save leaves a blob no index entry refers to.
	orphan := filepath.Join(store.snapshotsDir("sbx-1"), "snap-orphan.blob")
	require.NoError(t, os.WriteFile(orphan, []byte("leftover"), 0o644))

	removed, err := store.Prune("sbx-1", PrunePolicy{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.blobPath("sbx-1", entry.SnapshotID))
	assert.NoError(t, err)
}

func TestStoreHealsTornIndexTail(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 2; i++ {
		_, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
		require.NoError(t, err)
	}

	// Simulate a crash mid-append: half an encoded entry at the tail.
	partial, err := Marshal(IndexEntry{Seq: 99, SnapshotID: "snap-torn"})
	require.NoError(t, err)
	file, err := os.OpenFile(store.indexPath("sbx-1"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.Write(partial[:len(partial)/2])
	require.NoError(t, err)
	require.NoError(t, file.Close())

	entries, err := store.List("sbx-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entry, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.Seq)

	entries, err = store.List("sbx-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[2].Seq)
}

func TestStoreMalformedIndexIsCorruption(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Save("sbx-1", []byte("payload"), SaveMeta{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.indexPath("sbx-1"), []byte{0xFF, 0x00, 0x01}, 0o644))

	_, err = store.List("sbx-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, kekkaiErrors.ErrStateCorruption)
}

func TestStoreCompressionFallsBackForIncompressibleData(t *testing.T) {
	store := openTestStore(t)

	payload := make([]byte, 2048)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	entry, err := store.Save("sbx-1", payload, SaveMeta{Compress: true})
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, entry.Compression)
	assert.Equal(t, entry.PayloadSize, entry.StoredSize)

	loaded, _, err := store.Load("sbx-1", entry.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)
}

func TestStoreRecordLifecycle(t *testing.T) {
	store := openTestStore(t)

	first := Record{
		ID:   "sbx-aaa",
		Name: "build-env",
		Config: sandbox.Config{
			Limits:            limits.ResourceLimits{CPUPercent: 50, MemoryMB: 128, DiskMB: 256},
			MaxSnapshots:      5,
			CompressSnapshots: true,
		},
		State:     sandbox.StateRunning,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
		UpdatedAt: time.Now().UTC(),
	}
	second := Record{
		ID:        "sbx-bbb",
		Name:      "scratch",
		State:     sandbox.StateCreated,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	require.NoError(t, store.SaveRecord(first))
	require.NoError(t, store.SaveRecord(second))

	loaded, err := store.LoadRecord("sbx-aaa")
	require.NoError(t, err)
	assert.Equal(t, first.Name, loaded.Name)
	assert.Equal(t, sandbox.StateRunning, loaded.State)
	assert.Equal(t, first.Config.Limits.MemoryMB, loaded.Config.Limits.MemoryMB)
	assert.True(t, loaded.Config.CompressSnapshots)

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sbx-aaa", records[0].ID)
	assert.Equal(t, "sbx-bbb", records[1].ID)

	require.NoError(t, store.RemoveSandbox("sbx-aaa"))
	_, err = store.LoadRecord("sbx-aaa")
	assert.ErrorIs(t, err, kekkaiErrors.ErrNotFound)

	// Removing again is idempotent.
	require.NoError(t, store.RemoveSandbox("sbx-aaa"))
}

func TestStoreListRecordsSkipsMalformed(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveRecord(Record{ID: "sbx-good", Name: "ok", CreatedAt: time.Now().UTC()}))

	badDir := store.SandboxDir("sbx-bad")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "record.cbor"), []byte("not cbor"), 0o644))

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sbx-good", records[0].ID)
}

func TestStoreExecLogAppendAndRotate(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.AppendExecLog("sbx-1", map[string]any{"command": "echo one"}))
	require.NoError(t, store.AppendExecLog("sbx-1", map[string]any{"command": "echo two"}))

	data, err := os.ReadFile(store.execLogPath("sbx-1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "echo one")
	assert.Contains(t, lines[1], "echo two")

	require.NoError(t, store.RotateExecLog("sbx-1"))
	_, err = os.Stat(store.execLogPath("sbx-1"))
	assert.True(t, os.IsNotExist(err))

	rotated, err := filepath.Glob(store.execLogPath("sbx-1") + ".*.bak")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	// Rotating a missing log is a no-op.
	require.NoError(t, store.RotateExecLog("sbx-1"))
}

func TestStoreOpenIsExclusive(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir, nil)
	require.NoError(t, err)

	_, err = Open(dir, &FileLockConfig{
		LockTimeout:  200 * time.Millisecond,
		LockRetry:    10 * time.Millisecond,
		LockMaxRetry: 3,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	store.Close()

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	reopened.Close()
}
