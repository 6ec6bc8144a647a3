// Package featurecache provides the core types for the feature-cache
// service: content fingerprints, extraction results, and the error
// taxonomy shared by the cache, coalescer, worker pool, and detector.
package featurecache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size of a BLAKE3 fingerprint in bytes (256 bits).
const FingerprintSize = 32

// Fingerprint is a deterministic content identifier for an image's byte
// content. Identical bytes always produce an identical fingerprint; a
// collision would silently serve the wrong cached result, which is why a
// cryptographic hash is used.
type Fingerprint [FingerprintSize]byte

// String returns the hex-encoded representation of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShortString returns a shortened hex representation for display.
func (f Fingerprint) ShortString() string {
	return hex.EncodeToString(f[:8])
}

// Shard returns the first hex byte of the fingerprint, used to spread
// entries across cache shards.
func (f Fingerprint) Shard() uint8 {
	return f[0]
}

// IsZero returns true if the fingerprint is all zeros (uninitialized).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != FingerprintSize*2 {
		return fmt.Errorf("invalid fingerprint length: expected %d hex chars, got %d", FingerprintSize*2, len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if err := f.UnmarshalText([]byte(s)); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}

// FingerprintBytes computes the BLAKE3 fingerprint of the given bytes.
func FingerprintBytes(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}

// FingerprintReader computes the BLAKE3 fingerprint of content from the
// reader. It returns the fingerprint and the number of bytes read.
func FingerprintReader(r io.Reader) (Fingerprint, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Fingerprint{}, n, fmt.Errorf("fingerprinting content: %w", err)
	}
	var f Fingerprint
	h.Sum(f[:0])
	return f, n, nil
}

// HashingReader wraps a reader and computes the fingerprint as data is
// read, so an upload can be spooled and fingerprinted in one pass.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader creates a reader that fingerprints data as it is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r: r,
		h: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the fingerprint of all data read so far.
func (hr *HashingReader) Sum() Fingerprint {
	var f Fingerprint
	hr.h.Sum(f[:0])
	return f
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
