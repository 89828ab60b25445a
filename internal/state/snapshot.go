package state

import (
	"time"

	"github.com/harunnryd/kekkai/internal/sandbox"

	"github.com/oklog/ulid/v2"
)

// IndexEntry describes one stored snapshot. Entries are appended to the
// per-sandbox index in Seq order and never modified in place; pruning
// rewrites the whole index atomically.
type IndexEntry struct {
	// Seq is strictly increasing per sandbox and never reused, even
	// after every snapshot has been pruned.
	Seq uint64 `cbor:"seq" json:"seq"`

	SnapshotID string    `cbor:"snapshot_id" json:"snapshot_id"`
	Label      string    `cbor:"label,omitempty" json:"label,omitempty"`
	CreatedAt  time.Time `cbor:"created_at" json:"created_at"`

	// Checksum is the BLAKE3 digest of the uncompressed payload.
	Checksum Checksum `cbor:"checksum" json:"checksum"`

	// PayloadSize is the uncompressed length, StoredSize the on-disk
	// length after compression.
	PayloadSize int64       `cbor:"payload_size" json:"payload_size"`
	StoredSize  int64       `cbor:"stored_size" json:"stored_size"`
	Compression Compression `cbor:"compression" json:"compression"`

	// ParentSeq is the Seq of the snapshot the sandbox was last
	// restored to when this one was taken, zero for none.
	ParentSeq uint64 `cbor:"parent_seq,omitempty" json:"parent_seq,omitempty"`
}

// SaveMeta carries caller-supplied metadata for Store.Save.
type SaveMeta struct {
	// SnapshotID is assigned by the store when empty.
	SnapshotID string
	Label      string
	ParentSeq  uint64
	Compress   bool
}

// PrunePolicy bounds how many snapshots a sandbox retains.
type PrunePolicy struct {
	// MaxCount keeps at most this many entries, newest first. Zero
	// disables the count bound.
	MaxCount int

	// MaxAge drops entries older than this. Zero disables the age
	// bound.
	MaxAge time.Duration
}

// Record is the durable form of a sandbox, rewritten atomically on
// every lifecycle transition.
type Record struct {
	ID        string         `cbor:"id" json:"id"`
	Name      string         `cbor:"name" json:"name"`
	Config    sandbox.Config `cbor:"config" json:"config"`
	State     sandbox.State  `cbor:"state" json:"state"`
	CreatedAt time.Time      `cbor:"created_at" json:"created_at"`
	UpdatedAt time.Time      `cbor:"updated_at" json:"updated_at"`
}

// RecordOf captures a sandbox's current durable form.
func RecordOf(sb *sandbox.Sandbox) Record {
	return Record{
		ID:        sb.ID,
		Name:      sb.Name,
		Config:    sb.Config,
		State:     sb.State(),
		CreatedAt: sb.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}

// NewSnapshotID returns a fresh snapshot identifier.
func NewSnapshotID() string {
	return "snap-" + ulid.Make().String()
}
