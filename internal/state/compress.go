package state

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression names the algorithm used for a stored snapshot payload.
// The value is recorded per index entry, so blobs written under an
// older configuration stay readable after the setting changes.
type Compression string

const (
	// CompressionNone stores the payload as-is. Used when compression
	// is disabled or when zstd does not shrink the data.
	CompressionNone Compression = "none"

	// CompressionZstd stores the payload zstd-compressed at the
	// default level.
	CompressionZstd Compression = "zstd"
)

// zstdEncoder and zstdDecoder are shared across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("state: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("state: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes payload for storage. Payloads that do not shrink
// fall back to CompressionNone.
func compress(payload []byte, enabled bool) ([]byte, Compression) {
	if !enabled || len(payload) == 0 {
		return payload, CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return payload, CompressionNone
	}
	return compressed, CompressionZstd
}

// decompress reverses compress. payloadSize is the expected decoded
// length; any mismatch is reported so Load can treat it as corruption.
func decompress(stored []byte, algo Compression, payloadSize int64) ([]byte, error) {
	switch algo {
	case CompressionNone:
		if int64(len(stored)) != payloadSize {
			return nil, fmt.Errorf("stored payload is %d bytes, want %d", len(stored), payloadSize)
		}
		return stored, nil

	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, payloadSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(decoded)) != payloadSize {
			return nil, fmt.Errorf("decompressed payload is %d bytes, want %d", len(decoded), payloadSize)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("unknown compression %q", algo)
	}
}
