package indexdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/geopyramid/tilestore"
)

const (
	// CompressionThreshold is the minimum encoded index size before
	// compression is considered. Offset tables below this are not worth the
	// zstd overhead.
	CompressionThreshold = 512

	// MaxIndexBytes is the maximum allowed uncompressed index size, and the
	// hard cap during decompression to prevent compression bombs. A slab at
	// the tile limit encodes to well under 1MiB.
	MaxIndexBytes = 1 << 20

	envelopeVersion = 1

	encodingIdentity = 0x00
	encodingZstd     = 0x01

	// envelope layout: version byte, encoding byte, 8-byte stored-at
	// timestamp, 4-byte raw length, 32-byte digest, payload.
	envelopeHeaderLen = 1 + 1 + 8 + 4 + tilestore.FingerprintSize
)

var (
	// ErrCorrupted is returned when an envelope fails digest verification.
	ErrCorrupted = errors.New("indexdb: index digest mismatch")

	// ErrTooLarge is returned when an index exceeds MaxIndexBytes.
	ErrTooLarge = errors.New("indexdb: index exceeds maximum size")
)

// Codec encodes slab index bytes into versioned envelopes with optional
// zstd compression and a BLAKE3 digest. Encoder and decoder are
// goroutine-safe and reused across calls.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode wraps raw index bytes in an envelope, compressing when beneficial.
func (c *Codec) Encode(raw []byte, storedAt time.Time) ([]byte, error) {
	if len(raw) > MaxIndexBytes {
		return nil, ErrTooLarge
	}

	digest := tilestore.FingerprintBytes(raw)

	payload := raw
	encoding := byte(encodingIdentity)

	if len(raw) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			compressed := enc.EncodeAll(raw, nil)
			if len(compressed) < len(raw) {
				payload = compressed
				encoding = encodingZstd
			}
		}
	}

	buf := make([]byte, envelopeHeaderLen+len(payload))
	buf[0] = envelopeVersion
	buf[1] = encoding
	copy(buf[2:10], encodeTimestamp(storedAt))
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(raw)))
	copy(buf[14:14+tilestore.FingerprintSize], digest[:])
	copy(buf[envelopeHeaderLen:], payload)
	return buf, nil
}

// Decode unwraps an envelope, decompressing if needed and verifying the
// digest against the raw bytes.
func (c *Codec) Decode(value []byte) (raw []byte, storedAt time.Time, err error) {
	if len(value) < envelopeHeaderLen {
		return nil, time.Time{}, fmt.Errorf("%w: envelope truncated", ErrCorrupted)
	}

	if value[0] != envelopeVersion {
		return nil, time.Time{}, fmt.Errorf("unsupported envelope version %d", value[0])
	}

	storedAt = decodeTimestamp(value[2:10])
	rawLen := binary.BigEndian.Uint32(value[10:14])
	if rawLen > MaxIndexBytes {
		return nil, time.Time{}, ErrTooLarge
	}

	var digest tilestore.Fingerprint
	copy(digest[:], value[14:14+tilestore.FingerprintSize])

	payload := value[envelopeHeaderLen:]

	switch value[1] {
	case encodingIdentity:
		raw = payload
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, time.Time{}, errors.New("decoder not initialized")
		}

		raw, err = dec.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("decompressing index: %w", err)
		}
		if len(raw) > MaxIndexBytes {
			return nil, time.Time{}, ErrTooLarge
		}
	default:
		return nil, time.Time{}, fmt.Errorf("unsupported index encoding 0x%02x", value[1])
	}

	if uint32(len(raw)) != rawLen {
		return nil, time.Time{}, fmt.Errorf("%w: length mismatch", ErrCorrupted)
	}
	if !tilestore.FingerprintBytes(raw).Equal(digest) {
		return nil, time.Time{}, ErrCorrupted
	}

	return raw, storedAt, nil
}
