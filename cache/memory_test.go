package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	featurecache "github.com/wolfeidau/feature-cache"
)

func fpOf(s string) featurecache.Fingerprint {
	return featurecache.FingerprintBytes([]byte(s))
}

func resultOfSize(bytes int) *featurecache.Result {
	return &featurecache.Result{
		Descriptors:    [][]byte{make([]byte, bytes)},
		DescriptorBits: 256,
	}
}

func TestMemory_PutGet(t *testing.T) {
	m := NewMemory(Config{})

	fp := fpOf("image-1")
	want := resultOfSize(32)

	_, ok := m.Get(fp)
	require.False(t, ok)

	m.Put(fp, want, 0)

	got, ok := m.Get(fp)
	require.True(t, ok)
	require.Equal(t, want, got)

	stats := m.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Entries)
}

func TestMemory_Overwrite(t *testing.T) {
	m := NewMemory(Config{})

	fp := fpOf("image-1")
	m.Put(fp, resultOfSize(32), 0)
	m.Put(fp, resultOfSize(64), 0)

	got, ok := m.Get(fp)
	require.True(t, ok)
	require.Equal(t, int64(64), got.SizeEstimate())

	stats := m.Stats()
	require.Equal(t, int64(1), stats.Entries)
	require.Equal(t, int64(64), stats.Bytes)
}

func TestMemory_TTLExpiry(t *testing.T) {
	m := NewMemory(Config{DefaultTTL: time.Minute})

	base := time.Now()
	m.now = func() time.Time { return base }

	fp := fpOf("image-1")
	m.Put(fp, resultOfSize(32), 0)

	_, ok := m.Get(fp)
	require.True(t, ok)

	// Advance past the TTL; the entry is gone even without a sweep.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }

	_, ok = m.Get(fp)
	require.False(t, ok)
	require.Equal(t, int64(0), m.Stats().Entries)
}

func TestMemory_AbsoluteTTLNotRefreshedByHits(t *testing.T) {
	m := NewMemory(Config{DefaultTTL: time.Minute})

	base := time.Now()
	m.now = func() time.Time { return base }

	fp := fpOf("image-1")
	m.Put(fp, resultOfSize(32), 0)

	// Repeated hits just before expiry do not extend the entry's life.
	m.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := m.Get(fp)
	require.True(t, ok)

	m.now = func() time.Time { return base.Add(61 * time.Second) }
	_, ok = m.Get(fp)
	require.False(t, ok)
}

func TestMemory_SlidingTTL(t *testing.T) {
	m := NewMemory(Config{DefaultTTL: time.Minute, SlidingTTL: true})

	base := time.Now()
	m.now = func() time.Time { return base }

	fp := fpOf("image-1")
	m.Put(fp, resultOfSize(32), 0)

	// A hit at 59s pushes the expiry out to 119s.
	m.now = func() time.Time { return base.Add(59 * time.Second) }
	_, ok := m.Get(fp)
	require.True(t, ok)

	m.now = func() time.Time { return base.Add(110 * time.Second) }
	_, ok = m.Get(fp)
	require.True(t, ok)

	m.now = func() time.Time { return base.Add(4 * time.Minute) }
	_, ok = m.Get(fp)
	require.False(t, ok)
}

func TestMemory_LRUEviction(t *testing.T) {
	m := NewMemory(Config{MaxEntries: 2})

	a, b, c := fpOf("a"), fpOf("b"), fpOf("c")
	m.Put(a, resultOfSize(8), 0)
	m.Put(b, resultOfSize(8), 0)

	// Touch a so b becomes the least recently used entry.
	_, ok := m.Get(a)
	require.True(t, ok)

	m.Put(c, resultOfSize(8), 0)

	_, ok = m.Get(b)
	require.False(t, ok)
	_, ok = m.Get(a)
	require.True(t, ok)
	_, ok = m.Get(c)
	require.True(t, ok)
	require.Equal(t, int64(2), m.Stats().Entries)
}

func TestMemory_ExpiredEvictedBeforeLRU(t *testing.T) {
	base := time.Now()

	m := NewMemory(Config{MaxEntries: 2, DefaultTTL: time.Hour})
	m.now = func() time.Time { return base }

	a, b, c := fpOf("a"), fpOf("b"), fpOf("c")
	m.Put(a, resultOfSize(8), time.Minute)
	m.Put(b, resultOfSize(8), time.Hour)

	// a is most recently used but expired; it must be evicted before b.
	_, ok := m.Get(a)
	require.True(t, ok)

	m.now = func() time.Time { return base.Add(30 * time.Minute) }
	m.Put(c, resultOfSize(8), time.Hour)

	_, ok = m.Get(b)
	require.True(t, ok)
	_, ok = m.Get(c)
	require.True(t, ok)
	_, ok = m.Get(a)
	require.False(t, ok)
}

func TestMemory_ByteBound(t *testing.T) {
	m := NewMemory(Config{MaxBytes: 100})

	a, b := fpOf("a"), fpOf("b")
	m.Put(a, resultOfSize(60), 0)
	m.Put(b, resultOfSize(60), 0)

	// Both bounds are independent; 120 bytes exceeds the limit so the
	// older entry goes.
	_, ok := m.Get(a)
	require.False(t, ok)
	_, ok = m.Get(b)
	require.True(t, ok)

	stats := m.Stats()
	require.Equal(t, int64(1), stats.Entries)
	require.Equal(t, int64(60), stats.Bytes)
}

func TestMemory_EvictExpired(t *testing.T) {
	base := time.Now()

	m := NewMemory(Config{})
	m.now = func() time.Time { return base }

	for i := range 5 {
		m.Put(fpOf(fmt.Sprintf("short-%d", i)), resultOfSize(8), time.Minute)
	}
	for i := range 3 {
		m.Put(fpOf(fmt.Sprintf("long-%d", i)), resultOfSize(8), time.Hour)
	}

	m.now = func() time.Time { return base.Add(10 * time.Minute) }

	require.Equal(t, 5, m.EvictExpired())
	require.Equal(t, int64(3), m.Stats().Entries)
}

func TestMemory_Janitor(t *testing.T) {
	m := NewMemory(Config{CleanupInterval: 10 * time.Millisecond})
	m.Start(t.Context())

	fp := fpOf("short-lived")
	m.Put(fp, resultOfSize(8), 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return m.Stats().Entries == 0
	}, time.Second, 10*time.Millisecond)

	m.Stop()
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	m := NewMemory(Config{MaxEntries: 64})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := range 200 {
				fp := fpOf(fmt.Sprintf("img-%d-%d", worker, j%32))
				m.Put(fp, resultOfSize(16), 0)
				m.Get(fp)
			}
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	require.LessOrEqual(t, stats.Entries, int64(64))
	require.Positive(t, stats.Hits)
}
