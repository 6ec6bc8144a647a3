package featurecache

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for empty or oversized image bytes.
	// It never reaches the cache or the worker pool and is never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrServiceBusy is returned when the extraction queue is saturated.
	// Callers should back off and retry; it is a distinct condition from
	// an extraction failure.
	ErrServiceBusy = errors.New("service busy")

	// ErrBackendUnavailable indicates the shared cache backend could not
	// be reached. It is internal to the cache layer: requests degrade to
	// a cache miss, the error never propagates to a caller.
	ErrBackendUnavailable = errors.New("cache backend unavailable")
)

// ExtractionError indicates the feature-extraction routine could not
// process an otherwise valid-looking image. Finding zero features is not
// an ExtractionError; that is a valid empty result.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ExtractionError struct {
	Reason string
	cause  error
}

// NewExtractionError creates an ExtractionError wrapping an optional cause.
func NewExtractionError(reason string, cause error) *ExtractionError {
	return &ExtractionError{Reason: reason, cause: cause}
}

func (e *ExtractionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.cause)
	}
	return fmt.Sprintf("extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.cause }
