package extractor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	featurecache "github.com/wolfeidau/feature-cache"
)

func TestStage_WritesAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	data := []byte("fake image bytes")

	path, cleanup, err := Stage(dir, data)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(filepath.Base(path), "extract-"))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, written)

	cleanup()
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	// cleanup is safe to call again.
	cleanup()
}

func TestStage_UniquePaths(t *testing.T) {
	dir := t.TempDir()

	path1, cleanup1, err := Stage(dir, []byte("a"))
	require.NoError(t, err)
	defer cleanup1()

	path2, cleanup2, err := Stage(dir, []byte("a"))
	require.NoError(t, err)
	defer cleanup2()

	require.NotEqual(t, path1, path2)
}

func TestStage_MissingDir(t *testing.T) {
	_, _, err := Stage(filepath.Join(t.TempDir(), "nope"), []byte("a"))
	require.Error(t, err)
}

func TestFunc_Adapts(t *testing.T) {
	want := &featurecache.Result{DescriptorBits: 256}

	var ext Extractor = Func(func(ctx context.Context, path string) (*featurecache.Result, error) {
		return want, nil
	})

	got, err := ext.Extract(context.Background(), "/tmp/img")
	require.NoError(t, err)
	require.Same(t, want, got)
}
