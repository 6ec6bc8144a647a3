package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	featurecache "github.com/wolfeidau/feature-cache"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// maxDecodedSize is the hard cap during decompression to prevent
	// compression bombs from a shared backend.
	maxDecodedSize = 64 * 1024 * 1024 // 64MB

	// currentEnvelopeVersion is the current envelope schema version.
	currentEnvelopeVersion = 1

	flagCompressed = 1 << 0
)

var (
	// ErrEnvelopeTooShort is returned for payloads missing the header.
	ErrEnvelopeTooShort = errors.New("envelope too short")

	// ErrEnvelopeVersion is returned for an unknown envelope version.
	ErrEnvelopeVersion = errors.New("unsupported envelope version")

	// ErrDecompressionBomb is returned when decompressed size exceeds the limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")
)

// Codec encodes extraction results into versioned envelopes for storage
// in a Backend: a two-byte header (version, flags) followed by a JSON
// payload, zstd-compressed above the threshold.
//
// A Codec is goroutine-safe and should be reused.
type Codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
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

	return &Codec{encoder: enc, decoder: dec}, nil
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

// Encode serialises a result into an envelope.
func (c *Codec) Encode(result *featurecache.Result) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	var flags byte
	if len(payload) >= compressionThreshold {
		c.mu.RLock()
		if c.encoder == nil {
			c.mu.RUnlock()
			return nil, errors.New("codec is closed")
		}
		payload = c.encoder.EncodeAll(payload, nil)
		c.mu.RUnlock()
		flags |= flagCompressed
	}

	out := make([]byte, 0, len(payload)+2)
	out = append(out, currentEnvelopeVersion, flags)
	return append(out, payload...), nil
}

// Decode parses an envelope back into a result.
func (c *Codec) Decode(data []byte) (*featurecache.Result, error) {
	if len(data) < 2 {
		return nil, ErrEnvelopeTooShort
	}
	if data[0] != currentEnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrEnvelopeVersion, data[0])
	}

	payload := data[2:]
	if data[1]&flagCompressed != 0 {
		c.mu.RLock()
		if c.decoder == nil {
			c.mu.RUnlock()
			return nil, errors.New("codec is closed")
		}
		decoded, err := c.decoder.DecodeAll(payload, nil)
		c.mu.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(decoded) > maxDecodedSize {
			return nil, ErrDecompressionBomb
		}
		payload = decoded
	}

	var result featurecache.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return &result, nil
}
