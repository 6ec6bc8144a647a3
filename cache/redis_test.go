package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	r := NewRedis(RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	return r, mr
}

func TestRedis_SetGet(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "key1", []byte("value1"), time.Minute))

	value, err := r.Get(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, []byte("value1"), value)

	_, err = r.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_KeysAreNamespaced(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "abc123", []byte("v"), time.Minute))
	require.True(t, mr.Exists("featurecache:abc123"))
}

func TestRedis_TTLExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "key1", []byte("v"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := r.Get(ctx, "key1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_Delete(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "key1", []byte("v"), time.Minute))
	require.NoError(t, r.Delete(ctx, "key1"))

	_, err := r.Get(ctx, "key1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_Ping(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Ping(ctx))

	mr.Close()
	require.Error(t, r.Ping(ctx))
}
