package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"

	"github.com/natefinch/atomic"
)

// Store is the durable home of every sandbox: its metadata record, its
// versioned snapshots, and its execution log. Layout under the data
// directory:
//
//	sandboxes/<sid>/record.cbor           sandbox metadata
//	sandboxes/<sid>/exec.log              execution log (JSONL)
//	sandboxes/<sid>/snapshots/index.cbor  append-only snapshot index
//	sandboxes/<sid>/snapshots/hiseq       highest sequence ever issued
//	sandboxes/<sid>/snapshots/<id>.blob   snapshot payload
//
// The store holds an exclusive flock on the data directory from Open
// to Close. It does not synchronize writers within the process; callers
// hold the per-sandbox operation lock around mutating calls.
type Store struct {
	root string
	lock *FileLock
}

// Open acquires the data directory lock and returns a ready store.
func Open(root string, lockCfg *FileLockConfig) (*Store, error) {
	if root == "" {
		return nil, kekkaiErrors.Config("data directory is not set")
	}

	if err := os.MkdirAll(filepath.Join(root, "sandboxes"), 0o755); err != nil {
		return nil, kekkaiErrors.Wrap(err, "create data directory")
	}

	lock, err := NewFileLock(root, lockCfg)
	if err != nil {
		return nil, err
	}

	return &Store{root: root, lock: lock}, nil
}

// Close releases the data directory lock.
func (s *Store) Close() {
	if s.lock != nil {
		s.lock.Unlock()
	}
}

// Root returns the data directory path.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) sandboxesRoot() string {
	return filepath.Join(s.root, "sandboxes")
}

func (s *Store) SandboxDir(sandboxID string) string {
	return filepath.Join(s.sandboxesRoot(), sandboxID)
}

func (s *Store) recordPath(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "record.cbor")
}

func (s *Store) execLogPath(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "exec.log")
}

func (s *Store) snapshotsDir(sandboxID string) string {
	return filepath.Join(s.SandboxDir(sandboxID), "snapshots")
}

func (s *Store) indexPath(sandboxID string) string {
	return filepath.Join(s.snapshotsDir(sandboxID), "index.cbor")
}

func (s *Store) hiseqPath(sandboxID string) string {
	return filepath.Join(s.snapshotsDir(sandboxID), "hiseq")
}

func (s *Store) blobPath(sandboxID, snapshotID string) string {
	return filepath.Join(s.snapshotsDir(sandboxID), snapshotID+".blob")
}

func (s *Store) ensureSandboxDirs(sandboxID string) error {
	if err := os.MkdirAll(s.snapshotsDir(sandboxID), 0o755); err != nil {
		return kekkaiErrors.Wrap(err, "create sandbox directory")
	}
	return nil
}

// SaveRecord rewrites the sandbox metadata record atomically.
func (s *Store) SaveRecord(record Record) error {
	if record.ID == "" {
		return kekkaiErrors.Config("sandbox record has no id")
	}
	if err := s.ensureSandboxDirs(record.ID); err != nil {
		return err
	}

	data, err := Marshal(record)
	if err != nil {
		return kekkaiErrors.Wrap(err, "encode sandbox record")
	}
	if err := atomic.WriteFile(s.recordPath(record.ID), bytes.NewReader(data)); err != nil {
		return kekkaiErrors.Wrap(err, "write sandbox record")
	}
	return nil
}

// LoadRecord reads one sandbox metadata record.
func (s *Store) LoadRecord(sandboxID string) (Record, error) {
	data, err := os.ReadFile(s.recordPath(sandboxID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, kekkaiErrors.NotFound(fmt.Sprintf("sandbox %s", sandboxID))
		}
		return Record{}, kekkaiErrors.Wrap(err, "read sandbox record")
	}

	var record Record
	if err := Unmarshal(data, &record); err != nil {
		return Record{}, kekkaiErrors.StateCorruption(fmt.Sprintf("sandbox record for %s is malformed", sandboxID))
	}
	return record, nil
}

// ListRecords returns every readable sandbox record, oldest first.
// Malformed records are logged and skipped so one damaged sandbox does
// not block startup.
func (s *Store) ListRecords() ([]Record, error) {
	dirEntries, err := os.ReadDir(s.sandboxesRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kekkaiErrors.Wrap(err, "read sandboxes directory")
	}

	var records []Record
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		record, err := s.LoadRecord(dirEntry.Name())
		if err != nil {
			slog.Warn("Skipping unreadable sandbox record",
				"sandbox_id", dirEntry.Name(),
				"error", err,
			)
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// RemoveSandbox deletes everything stored for a sandbox. Removing a
// sandbox that does not exist is not an error.
func (s *Store) RemoveSandbox(sandboxID string) error {
	if err := os.RemoveAll(s.SandboxDir(sandboxID)); err != nil {
		return kekkaiErrors.Wrap(err, "remove sandbox data")
	}
	return nil
}

// Save stores a snapshot payload and appends its index entry. The
// sequence reservation is made durable first, then the blob, then the
// index entry, so a crash at any point leaves at worst an orphan blob
// and never a visible entry without its payload or a reused sequence.
func (s *Store) Save(sandboxID string, payload []byte, meta SaveMeta) (IndexEntry, error) {
	if err := s.ensureSandboxDirs(sandboxID); err != nil {
		return IndexEntry{}, err
	}

	entries, torn, err := s.readIndex(sandboxID)
	if err != nil {
		return IndexEntry{}, err
	}
	if torn {
		// Heal the torn tail before appending, or the new entry would
		// be unreadable behind the partial bytes.
		if err := s.compactIndex(sandboxID, entries); err != nil {
			return IndexEntry{}, err
		}
	}

	seq := s.readHiseq(sandboxID)
	if len(entries) > 0 && entries[len(entries)-1].Seq > seq {
		seq = entries[len(entries)-1].Seq
	}
	seq++

	if err := s.writeHiseq(sandboxID, seq); err != nil {
		return IndexEntry{}, err
	}

	snapshotID := meta.SnapshotID
	if snapshotID == "" {
		snapshotID = NewSnapshotID()
	}

	stored, algo := compress(payload, meta.Compress)

	entry := IndexEntry{
		Seq:         seq,
		SnapshotID:  snapshotID,
		Label:       meta.Label,
		CreatedAt:   time.Now().UTC(),
		Checksum:    ChecksumOf(payload),
		PayloadSize: int64(len(payload)),
		StoredSize:  int64(len(stored)),
		Compression: algo,
		ParentSeq:   meta.ParentSeq,
	}

	if err := atomic.WriteFile(s.blobPath(sandboxID, snapshotID), bytes.NewReader(stored)); err != nil {
		return IndexEntry{}, kekkaiErrors.Wrap(err, "write snapshot payload")
	}
	syncDir(s.snapshotsDir(sandboxID))

	if err := s.appendIndex(sandboxID, entry); err != nil {
		return IndexEntry{}, err
	}

	slog.Debug("Snapshot stored",
		"sandbox_id", sandboxID,
		"snapshot_id", snapshotID,
		"seq", seq,
		"payload_size", entry.PayloadSize,
		"stored_size", entry.StoredSize,
		"compression", string(algo),
	)
	return entry, nil
}

// Load returns the verified payload of a stored snapshot. Every read
// recomputes the checksum over the decompressed bytes; any mismatch
// with the index entry surfaces as a state corruption error, never as
// silently wrong data. Load changes nothing on disk.
func (s *Store) Load(sandboxID, snapshotID string) ([]byte, IndexEntry, error) {
	entries, _, err := s.readIndex(sandboxID)
	if err != nil {
		return nil, IndexEntry{}, err
	}

	var entry IndexEntry
	found := false
	for _, candidate := range entries {
		if candidate.SnapshotID == snapshotID {
			entry = candidate
			found = true
			break
		}
	}
	if !found {
		return nil, IndexEntry{}, kekkaiErrors.NotFound(fmt.Sprintf("snapshot %s for sandbox %s", snapshotID, sandboxID))
	}

	stored, err := os.ReadFile(s.blobPath(sandboxID, snapshotID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, IndexEntry{}, kekkaiErrors.StateCorruption(
				fmt.Sprintf("payload for snapshot %s (seq %d) is missing", snapshotID, entry.Seq))
		}
		return nil, IndexEntry{}, kekkaiErrors.Wrap(err, "read snapshot payload")
	}

	if int64(len(stored)) != entry.StoredSize {
		return nil, IndexEntry{}, kekkaiErrors.StateCorruption(
			fmt.Sprintf("snapshot %s payload is %d bytes on disk, index says %d", snapshotID, len(stored), entry.StoredSize))
	}

	payload, err := decompress(stored, entry.Compression, entry.PayloadSize)
	if err != nil {
		return nil, IndexEntry{}, kekkaiErrors.StateCorruption(
			fmt.Sprintf("snapshot %s payload is unreadable: %v", snapshotID, err))
	}

	if checksum := ChecksumOf(payload); checksum != entry.Checksum {
		return nil, IndexEntry{}, kekkaiErrors.StateCorruption(
			fmt.Sprintf("snapshot %s checksum mismatch: stored %s, computed %s", snapshotID, entry.Checksum.Short(), checksum.Short()))
	}

	return payload, entry, nil
}

// List returns the snapshot index entries in sequence order.
func (s *Store) List(sandboxID string) ([]IndexEntry, error) {
	entries, _, err := s.readIndex(sandboxID)
	return entries, err
}

// Prune drops index entries past the policy's age or count bounds and
// deletes their payloads, along with any orphan payloads left by
// interrupted saves. Entries whose Seq is in protected are always
// kept. Returns the number of entries removed. Blob deletion failures
// are logged, not returned; the compacted index is authoritative.
func (s *Store) Prune(sandboxID string, policy PrunePolicy, protected map[uint64]bool) (int, error) {
	entries, torn, err := s.readIndex(sandboxID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	keep := make([]IndexEntry, 0, len(entries))
	var drop []IndexEntry

	for _, entry := range entries {
		if protected[entry.Seq] {
			keep = append(keep, entry)
			continue
		}
		if policy.MaxAge > 0 && now.Sub(entry.CreatedAt) > policy.MaxAge {
			drop = append(drop, entry)
			continue
		}
		keep = append(keep, entry)
	}

	if policy.MaxCount > 0 && len(keep) > policy.MaxCount {
		over := len(keep) - policy.MaxCount
		retained := make([]IndexEntry, 0, policy.MaxCount)
		for _, entry := range keep {
			if over > 0 && !protected[entry.Seq] {
				drop = append(drop, entry)
				over--
				continue
			}
			retained = append(retained, entry)
		}
		keep = retained
	}

	if len(drop) == 0 && !torn {
		s.sweepOrphans(sandboxID, keep)
		return 0, nil
	}

	if err := s.compactIndex(sandboxID, keep); err != nil {
		return 0, err
	}

	for _, entry := range drop {
		if err := os.Remove(s.blobPath(sandboxID, entry.SnapshotID)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove pruned snapshot payload",
				"sandbox_id", sandboxID,
				"snapshot_id", entry.SnapshotID,
				"error", err,
			)
		}
	}
	s.sweepOrphans(sandboxID, keep)

	slog.Info("Snapshots pruned",
		"sandbox_id", sandboxID,
		"removed", len(drop),
		"kept", len(keep),
	)
	return len(drop), nil
}

// sweepOrphans removes payload blobs no index entry refers to.
func (s *Store) sweepOrphans(sandboxID string, keep []IndexEntry) {
	live := make(map[string]bool, len(keep))
	for _, entry := range keep {
		live[entry.SnapshotID] = true
	}

	dirEntries, err := os.ReadDir(s.snapshotsDir(sandboxID))
	if err != nil {
		return
	}

	removed := 0
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !strings.HasSuffix(name, ".blob") {
			continue
		}
		if live[strings.TrimSuffix(name, ".blob")] {
			continue
		}
		if err := os.Remove(filepath.Join(s.snapshotsDir(sandboxID), name)); err != nil {
			slog.Warn("Failed to remove orphan snapshot payload",
				"sandbox_id", sandboxID,
				"file", name,
				"error", err,
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Debug("Orphan snapshot payloads removed",
			"sandbox_id", sandboxID,
			"count", removed,
		)
	}
}

// readIndex decodes the append-only index. A torn tail from a crash
// mid-append is reported via the second return so writers can heal it;
// the decoded prefix is authoritative. Malformed bytes anywhere else
// are corruption.
func (s *Store) readIndex(sandboxID string) ([]IndexEntry, bool, error) {
	data, err := os.ReadFile(s.indexPath(sandboxID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, kekkaiErrors.Wrap(err, "read snapshot index")
	}

	var entries []IndexEntry
	decoder := decMode.NewDecoder(bytes.NewReader(data))
	for {
		var entry IndexEntry
		err := decoder.Decode(&entry)
		if err == nil {
			entries = append(entries, entry)
			continue
		}
		if errors.Is(err, io.EOF) {
			return entries, false, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			slog.Warn("Snapshot index has a torn tail",
				"sandbox_id", sandboxID,
				"entries", len(entries),
			)
			return entries, true, nil
		}
		return nil, false, kekkaiErrors.StateCorruption(fmt.Sprintf("snapshot index for %s is malformed", sandboxID))
	}
}

func (s *Store) appendIndex(sandboxID string, entry IndexEntry) error {
	data, err := Marshal(entry)
	if err != nil {
		return kekkaiErrors.Wrap(err, "encode snapshot index entry")
	}

	file, err := os.OpenFile(s.indexPath(sandboxID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return kekkaiErrors.Wrap(err, "open snapshot index")
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return kekkaiErrors.Wrap(err, "append snapshot index")
	}
	if err := file.Sync(); err != nil {
		return kekkaiErrors.Wrap(err, "sync snapshot index")
	}
	return nil
}

func (s *Store) compactIndex(sandboxID string, entries []IndexEntry) error {
	var buf bytes.Buffer
	for _, entry := range entries {
		data, err := Marshal(entry)
		if err != nil {
			return kekkaiErrors.Wrap(err, "encode snapshot index entry")
		}
		buf.Write(data)
	}

	if err := atomic.WriteFile(s.indexPath(sandboxID), &buf); err != nil {
		return kekkaiErrors.Wrap(err, "rewrite snapshot index")
	}
	syncDir(s.snapshotsDir(sandboxID))
	return nil
}

func (s *Store) readHiseq(sandboxID string) uint64 {
	data, err := os.ReadFile(s.hiseqPath(sandboxID))
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		slog.Warn("Ignoring unreadable hiseq file", "sandbox_id", sandboxID, "error", err)
		return 0
	}
	return seq
}

func (s *Store) writeHiseq(sandboxID string, seq uint64) error {
	data := strconv.FormatUint(seq, 10) + "\n"
	if err := atomic.WriteFile(s.hiseqPath(sandboxID), strings.NewReader(data)); err != nil {
		return kekkaiErrors.Wrap(err, "write snapshot sequence")
	}
	syncDir(s.snapshotsDir(sandboxID))
	return nil
}

// AppendExecLog appends one JSON line to the sandbox execution log.
// The log lives outside the snapshot payload, so rollback does not
// rewrite history.
func (s *Store) AppendExecLog(sandboxID string, v any) error {
	if err := s.ensureSandboxDirs(sandboxID); err != nil {
		return err
	}

	line, err := json.Marshal(v)
	if err != nil {
		return kekkaiErrors.Wrap(err, "encode execution log entry")
	}

	file, err := os.OpenFile(s.execLogPath(sandboxID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return kekkaiErrors.Wrap(err, "open execution log")
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return kekkaiErrors.Wrap(err, "append execution log")
	}
	if err := file.Sync(); err != nil {
		return kekkaiErrors.Wrap(err, "sync execution log")
	}
	return nil
}

// RotateExecLog moves the current execution log aside. A missing log
// is fine; there is nothing to rotate.
func (s *Store) RotateExecLog(sandboxID string) error {
	src := s.execLogPath(sandboxID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kekkaiErrors.Wrap(err, "stat execution log")
	}

	dst := src + "." + time.Now().UTC().Format("20060102T150405") + ".bak"
	if err := os.Rename(src, dst); err != nil {
		return kekkaiErrors.Wrap(err, "rotate execution log")
	}

	slog.Info("Execution log rotated",
		"sandbox_id", sandboxID,
		"rotated_to", filepath.Base(dst),
	)
	return nil
}

// syncDir flushes directory metadata after a create or rename.
func syncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
