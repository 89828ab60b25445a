package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Checksum is a 32-byte BLAKE3 digest of an uncompressed snapshot
// payload. It is always computed before compression, so verification
// covers the bytes handed back to callers rather than the stored form.
type Checksum [32]byte

// ChecksumOf computes the BLAKE3 digest of data.
func ChecksumOf(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// String returns the full hex encoding.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns the first 12 hex characters for compact display.
func (c Checksum) Short() string {
	return hex.EncodeToString(c[:6])
}

// ParseChecksum parses a 64-character hex string into a Checksum.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("parsing checksum: %w", err)
	}
	if len(decoded) != len(c) {
		return c, fmt.Errorf("checksum is %d bytes, want %d", len(decoded), len(c))
	}
	copy(c[:], decoded)
	return c, nil
}

// MarshalJSON encodes the checksum as a hex string. CBOR encoding is
// unaffected and stays a raw byte string.
func (c Checksum) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a hex string checksum.
func (c *Checksum) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseChecksum(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
