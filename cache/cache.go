// Package cache provides the result cache for the feature-cache service:
// a sharded in-memory store with TTL expiration and LRU eviction, plus
// optional persistent backends (bbolt, Redis) behind a tiered front.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Backend when a key does not exist.
var ErrNotFound = errors.New("not found")

// Backend is an optional second-tier store for extraction results.
// Implementations must be safe for concurrent use. Backend availability
// is best-effort: the tiered cache treats any backend failure as a miss.
type Backend interface {
	// Get retrieves the value at the given key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Stats is the observability surface of the in-memory cache. Hits and
// Misses accumulate monotonically; Entries and Bytes reflect live state.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
}
