// Package extractor defines the boundary to the external
// feature-extraction routine. The routine requires file-addressable
// input, so callers stage image bytes to a uniquely named temp file and
// are responsible for its removal on every exit path.
package extractor

import (
	"context"
	"fmt"
	"os"

	featurecache "github.com/wolfeidau/feature-cache"
)

// Extractor computes keypoints and descriptors for the image at path.
// Implementations must be safe for concurrent use. Finding no features
// is a valid empty result, not an error.
type Extractor interface {
	Extract(ctx context.Context, path string) (*featurecache.Result, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, path string) (*featurecache.Result, error)

// Extract implements Extractor.
func (f Func) Extract(ctx context.Context, path string) (*featurecache.Result, error) {
	return f(ctx, path)
}

// Stage writes image bytes to a uniquely named temp file under dir (the
// OS temp dir when empty) and returns its path with a cleanup function.
// cleanup is safe to call more than once and must be called on every
// exit path, including failure.
func Stage(dir string, data []byte) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp(dir, "extract-*.img")
	if err != nil {
		return "", nil, fmt.Errorf("creating staging file: %w", err)
	}
	path = f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("writing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("closing staging file: %w", err)
	}

	return path, func() { _ = os.Remove(path) }, nil
}
