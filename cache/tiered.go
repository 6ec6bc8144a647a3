package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	featurecache "github.com/wolfeidau/feature-cache"
)

// TieredConfig holds configuration for the tiered cache.
type TieredConfig struct {
	// RemoteTTL is the TTL applied to backend writes. Zero falls back to
	// the local cache's default TTL.
	RemoteTTL time.Duration

	// ReapInterval is how often a Reaper backend is swept for expired
	// values. Default: 1 hour.
	ReapInterval time.Duration

	// Logger for degradation events.
	Logger *slog.Logger
}

// Reaper is implemented by backends that need periodic expiry sweeps
// (the bbolt backend; Redis expires keys itself).
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Tiered fronts the in-memory cache with an optional persistent backend.
// Reads check memory first, then the backend with a local backfill.
// Backend unavailability is absorbed here: any backend failure counts as
// a miss and is never surfaced to the caller.
type Tiered struct {
	local  *Memory
	remote Backend // nil when running memory-only
	codec  *Codec
	config TieredConfig
	logger *slog.Logger

	remoteHits atomic.Int64
	backfills  atomic.Int64
	degraded   atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// TieredStats extends the in-memory stats with backend counters.
type TieredStats struct {
	Stats
	RemoteHits int64 `json:"remote_hits"`
	Backfills  int64 `json:"backfills"`
	Degraded   int64 `json:"degraded"`
}

// NewTiered creates a tiered cache. remote may be nil for memory-only
// operation.
func NewTiered(local *Memory, remote Backend, cfg TieredConfig) (*Tiered, error) {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = local.config.DefaultTTL
	}

	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	return &Tiered{
		local:  local,
		remote: remote,
		codec:  codec,
		config: cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Get returns the cached result for the fingerprint, consulting memory
// first and then the backend.
func (t *Tiered) Get(ctx context.Context, fp featurecache.Fingerprint) (*featurecache.Result, bool) {
	if result, ok := t.local.Get(fp); ok {
		return result, true
	}

	if t.remote == nil {
		return nil, false
	}

	value, err := t.remote.Get(ctx, fp.String())
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.degrade("backend get failed", fp, err)
		}
		return nil, false
	}

	result, err := t.codec.Decode(value)
	if err != nil {
		// A corrupt value is unusable; drop it so it is recomputed.
		t.degrade("backend value corrupt", fp, err)
		_ = t.remote.Delete(ctx, fp.String())
		return nil, false
	}

	// Backfill memory so subsequent hits skip the backend.
	t.local.Put(fp, result, 0)
	t.remoteHits.Add(1)
	t.backfills.Add(1)
	return result, true
}

// Put stores the result in memory and, best effort, in the backend.
func (t *Tiered) Put(ctx context.Context, fp featurecache.Fingerprint, result *featurecache.Result) {
	t.local.Put(fp, result, 0)

	if t.remote == nil {
		return
	}

	value, err := t.codec.Encode(result)
	if err != nil {
		t.degrade("encoding result for backend", fp, err)
		return
	}
	if err := t.remote.Set(ctx, fp.String(), value, t.config.RemoteTTL); err != nil {
		t.degrade("backend set failed", fp, err)
	}
}

// Stats returns combined local and backend counters.
func (t *Tiered) Stats() TieredStats {
	return TieredStats{
		Stats:      t.local.Stats(),
		RemoteHits: t.remoteHits.Load(),
		Backfills:  t.backfills.Load(),
		Degraded:   t.degraded.Load(),
	}
}

// Start launches the local janitor and, for Reaper backends, the backend
// sweep loop.
func (t *Tiered) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.local.Start(ctx)

	if reaper, ok := reaperFor(t.remote); ok {
		go t.runReaper(ctx, reaper)
	} else {
		close(t.doneCh)
	}
}

// Close stops background work and releases the codec and backend. It is
// safe to call more than once.
func (t *Tiered) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	t.local.Stop()
	if started {
		close(t.stopCh)
		<-t.doneCh
	}
	t.codec.Close()
	if t.remote != nil {
		return t.remote.Close()
	}
	return nil
}

func (t *Tiered) runReaper(ctx context.Context, reaper Reaper) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			n, err := reaper.Reap(ctx)
			if err != nil {
				t.logger.Warn("backend reap failed", "error", err)
				continue
			}
			if n > 0 {
				t.logger.Debug("reaped expired backend values", "count", n)
			}
		}
	}
}

// reaperFor finds a Reaper in the backend chain, looking through
// wrappers that expose Unwrap.
func reaperFor(b Backend) (Reaper, bool) {
	for b != nil {
		if r, ok := b.(Reaper); ok {
			return r, true
		}
		wrapper, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return nil, false
		}
		b = wrapper.Unwrap()
	}
	return nil, false
}

// degrade records a backend failure. The request path is unaffected;
// degradation is visible only in stats and logs.
func (t *Tiered) degrade(msg string, fp featurecache.Fingerprint, err error) {
	t.degraded.Add(1)
	t.logger.Warn(msg, "fingerprint", fp.ShortString(), "error", err)
}
