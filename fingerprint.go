// Package tilestore provides the shared value types for the tile storage
// core: tile and slab addressing, slab index records, and descriptor
// fingerprints.
package tilestore

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size of a fingerprint in bytes.
const FingerprintSize = 32

// Fingerprint is a BLAKE3 digest of a descriptor or payload. Catalog books
// use it to detect unchanged descriptors across reloads; the index store
// uses it to verify envelope payloads.
type Fingerprint [FingerprintSize]byte

// FingerprintBytes computes the fingerprint of data.
func FingerprintBytes(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}

// FingerprintReader computes the fingerprint of all data read from r,
// returning the fingerprint and the number of bytes read.
func FingerprintReader(r io.Reader) (Fingerprint, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, n, fmt.Errorf("fingerprinting data: %w", err)
	}

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, n, nil
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	if len(s) != FingerprintSize*2 {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint length: got %d, want %d", len(s), FingerprintSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint encoding: %w", err)
	}

	var fp Fingerprint
	copy(fp[:], b)
	return fp, nil
}

// String returns the hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Equal reports whether two fingerprints are identical using a
// constant-time comparison.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], other[:]) == 1
}

// IsZero reports whether the fingerprint is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
