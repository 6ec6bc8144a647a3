package cache

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/feature-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := ib.backend.Get(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "get", outcomeFromError(err), time.Since(start), int64(len(value)))
	return value, err
}

func (ib *InstrumentedBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := ib.backend.Set(ctx, key, value, ttl)
	telemetry.RecordBackendOp(ctx, ib.name, "set", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Close() error {
	return ib.backend.Close()
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

var _ Backend = (*InstrumentedBackend)(nil)
