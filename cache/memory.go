package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	featurecache "github.com/wolfeidau/feature-cache"
)

// numShards is the number of entry-map shards. Entries are spread by the
// first fingerprint byte so lookups for different fingerprints do not
// serialise behind one another.
const numShards = 256

// Config holds in-memory cache configuration.
type Config struct {
	// MaxEntries bounds the number of live entries. Zero means unbounded.
	MaxEntries int

	// MaxBytes bounds the estimated byte footprint of live entries.
	// Zero means unbounded. MaxEntries and MaxBytes are independent
	// triggers; eviction runs until both are satisfied.
	MaxBytes int64

	// DefaultTTL is applied when Put is called with a zero TTL.
	// Default: 15 minutes.
	DefaultTTL time.Duration

	// SlidingTTL refreshes an entry's expiry on every hit. The default
	// is absolute TTL, fixed from creation.
	SlidingTTL bool

	// CleanupInterval is how often the background janitor sweeps expired
	// entries. Default: 1 minute.
	CleanupInterval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      4096,
		MaxBytes:        512 * 1024 * 1024, // 512 MB
		DefaultTTL:      15 * time.Minute,
		CleanupInterval: time.Minute,
		Logger:          slog.Default(),
	}
}

// entry is a single cached extraction result. The result is immutable;
// expiresAt is atomic so sliding-TTL refreshes never race with sweeps.
// LRU links are guarded by Memory.lruMu.
type entry struct {
	fp        featurecache.Fingerprint
	result    *featurecache.Result
	createdAt time.Time
	ttl       time.Duration
	size      int64

	expiresAt atomic.Int64 // unix nanos

	prev, next *entry
	unlinked   bool
}

func (e *entry) expired(now time.Time) bool {
	return e.expiresAt.Load() <= now.UnixNano()
}

type shard struct {
	mu      sync.Mutex
	entries map[featurecache.Fingerprint]*entry
}

// Memory is the in-process result cache. Lookups go through per-shard
// mutexes; a single LRU list with its own short-critical-section mutex
// tracks usage order and byte accounting.
//
// Lock ordering: a shard mutex is never acquired while holding lruMu.
type Memory struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	shards [numShards]shard

	lruMu      sync.Mutex
	lruHead    *entry
	lruTail    *entry
	entryCount int64
	byteCount  int64

	hits   atomic.Int64
	misses atomic.Int64

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMemory creates a new in-memory result cache.
func NewMemory(cfg Config) *Memory {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Memory{
		config: cfg,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i].entries = make(map[featurecache.Fingerprint]*entry)
	}
	return m
}

// Get returns the cached result for the fingerprint, or false if the
// entry is missing or expired. The returned result is immutable and must
// not be retained past the duration of the request.
func (m *Memory) Get(fp featurecache.Fingerprint) (*featurecache.Result, bool) {
	s := &m.shards[fp.Shard()]

	s.mu.Lock()
	e, ok := s.entries[fp]
	if !ok {
		s.mu.Unlock()
		m.misses.Add(1)
		return nil, false
	}

	now := m.now()
	if e.expired(now) {
		delete(s.entries, fp)
		s.mu.Unlock()
		m.unlink(e)
		m.misses.Add(1)
		return nil, false
	}

	if m.config.SlidingTTL {
		e.expiresAt.Store(now.Add(e.ttl).UnixNano())
	}
	result := e.result
	s.mu.Unlock()

	m.touch(e)
	m.hits.Add(1)
	return result, true
}

// Put inserts or overwrites the entry for the fingerprint. A zero ttl
// uses the configured default. Entry visibility is atomic: a concurrent
// Get observes either the old entry or the fully populated new one.
func (m *Memory) Put(fp featurecache.Fingerprint, result *featurecache.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	now := m.now()

	e := &entry{
		fp:        fp,
		result:    result,
		createdAt: now,
		ttl:       ttl,
		size:      result.SizeEstimate(),
	}
	e.expiresAt.Store(now.Add(ttl).UnixNano())

	s := &m.shards[fp.Shard()]
	s.mu.Lock()
	old := s.entries[fp]
	s.entries[fp] = e
	s.mu.Unlock()

	if old != nil {
		m.unlink(old)
	}
	m.pushFront(e)
	m.enforceBounds()
}

// EvictExpired removes all entries past their expiry and returns the
// number removed. Invoked lazily by Get, by the background janitor, and
// before LRU eviction so expiration always takes precedence over usage
// order.
func (m *Memory) EvictExpired() int {
	now := m.now()

	m.lruMu.Lock()
	var victims []*entry
	for e := m.lruTail; e != nil; {
		prev := e.prev
		if e.expired(now) {
			m.unlinkLocked(e)
			victims = append(victims, e)
		}
		e = prev
	}
	m.lruMu.Unlock()

	for _, v := range victims {
		m.removeFromShard(v)
	}
	return len(victims)
}

// Stats returns the cache's observability counters.
func (m *Memory) Stats() Stats {
	m.lruMu.Lock()
	entries := m.entryCount
	bytes := m.byteCount
	m.lruMu.Unlock()

	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: entries,
		Bytes:   bytes,
	}
}

// Start launches the background janitor that sweeps expired entries.
func (m *Memory) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops the background janitor and waits for it to finish.
func (m *Memory) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Memory) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.EvictExpired(); n > 0 {
				m.logger.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}

// enforceBounds evicts entries until both configured bounds are
// satisfied. Expired entries are reclaimed first, oldest usage first;
// only then are live least-recently-used entries evicted.
func (m *Memory) enforceBounds() {
	m.lruMu.Lock()
	if !m.overLocked() {
		m.lruMu.Unlock()
		return
	}

	now := m.now()
	var victims []*entry

	for e := m.lruTail; e != nil && m.overLocked(); {
		prev := e.prev
		if e.expired(now) {
			m.unlinkLocked(e)
			victims = append(victims, e)
		}
		e = prev
	}

	for m.overLocked() && m.lruTail != nil {
		e := m.lruTail
		m.unlinkLocked(e)
		victims = append(victims, e)
	}
	m.lruMu.Unlock()

	for _, v := range victims {
		m.removeFromShard(v)
	}

	if len(victims) > 0 {
		m.logger.Debug("evicted cache entries", "count", len(victims))
	}
}

// overLocked reports whether either bound is exceeded. Caller holds lruMu.
func (m *Memory) overLocked() bool {
	if m.config.MaxEntries > 0 && m.entryCount > int64(m.config.MaxEntries) {
		return true
	}
	if m.config.MaxBytes > 0 && m.byteCount > m.config.MaxBytes {
		return true
	}
	return false
}

// removeFromShard deletes the entry from its shard map unless it has
// already been replaced by a newer entry for the same fingerprint.
func (m *Memory) removeFromShard(e *entry) {
	s := &m.shards[e.fp.Shard()]
	s.mu.Lock()
	if cur, ok := s.entries[e.fp]; ok && cur == e {
		delete(s.entries, e.fp)
	}
	s.mu.Unlock()
}

func (m *Memory) pushFront(e *entry) {
	m.lruMu.Lock()
	e.prev = nil
	e.next = m.lruHead
	if m.lruHead != nil {
		m.lruHead.prev = e
	}
	m.lruHead = e
	if m.lruTail == nil {
		m.lruTail = e
	}
	m.entryCount++
	m.byteCount += e.size
	m.lruMu.Unlock()
}

func (m *Memory) touch(e *entry) {
	m.lruMu.Lock()
	if !e.unlinked && m.lruHead != e {
		m.detachLocked(e)
		e.prev = nil
		e.next = m.lruHead
		if m.lruHead != nil {
			m.lruHead.prev = e
		}
		m.lruHead = e
		if m.lruTail == nil {
			m.lruTail = e
		}
	}
	m.lruMu.Unlock()
}

func (m *Memory) unlink(e *entry) {
	m.lruMu.Lock()
	if !e.unlinked {
		m.unlinkLocked(e)
	}
	m.lruMu.Unlock()
}

// unlinkLocked removes the entry from the LRU list and commits its
// counter deductions. Caller holds lruMu.
func (m *Memory) unlinkLocked(e *entry) {
	m.detachLocked(e)
	e.unlinked = true
	m.entryCount--
	m.byteCount -= e.size
}

func (m *Memory) detachLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if m.lruHead == e {
		m.lruHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if m.lruTail == e {
		m.lruTail = e.prev
	}
	e.prev = nil
	e.next = nil
}
