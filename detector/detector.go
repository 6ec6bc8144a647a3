// Package detector provides the orchestration façade of the service:
// given raw image bytes it computes the fingerprint, consults the result
// cache, and on a miss drives the coalescer and worker pool before
// populating the cache.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	featurecache "github.com/wolfeidau/feature-cache"
	"github.com/wolfeidau/feature-cache/coalesce"
	"github.com/wolfeidau/feature-cache/extractor"
	"github.com/wolfeidau/feature-cache/pool"
	"github.com/wolfeidau/feature-cache/telemetry"
)

// ResultCache is the cache surface the detector needs. Implementations
// absorb backend failures internally; a cache problem is only ever a
// miss.
type ResultCache interface {
	Get(ctx context.Context, fp featurecache.Fingerprint) (*featurecache.Result, bool)
	Put(ctx context.Context, fp featurecache.Fingerprint, result *featurecache.Result)
}

// Config holds detector configuration.
type Config struct {
	// MaxImageBytes rejects larger uploads before any cache or pool
	// interaction. Default: 32MB.
	MaxImageBytes int64

	// StagingDir is where image bytes are staged for the extraction
	// routine. Empty means the OS temp directory.
	StagingDir string

	// Logger for request-level events.
	Logger *slog.Logger
}

// Outcome classifies a completed detect operation for callers that need
// to know whether the result was cached or shared.
type Outcome struct {
	CacheHit  bool
	Coalesced bool
}

// Detector is the orchestrator. All fields are set at construction; a
// Detector is safe for concurrent use.
type Detector struct {
	config    Config
	cache     ResultCache
	group     *coalesce.Group
	pool      *pool.Pool
	extractor extractor.Extractor
	logger    *slog.Logger
}

// New creates a detector wired to its collaborators.
func New(cache ResultCache, p *pool.Pool, ext extractor.Extractor, cfg Config) *Detector {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 32 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Detector{
		config:    cfg,
		cache:     cache,
		group:     coalesce.New(coalesce.WithLogger(cfg.Logger)),
		pool:      p,
		extractor: ext,
		logger:    cfg.Logger,
	}
}

// Detect computes or retrieves the feature signature for the image.
func (d *Detector) Detect(ctx context.Context, imageBytes []byte) (*featurecache.Result, Outcome, error) {
	size := int64(len(imageBytes))
	if size == 0 {
		telemetry.RecordDetect(ctx, "invalid", telemetry.CacheNA, 0)
		return nil, Outcome{}, fmt.Errorf("%w: empty image", featurecache.ErrInvalidInput)
	}
	if size > d.config.MaxImageBytes {
		telemetry.RecordDetect(ctx, "invalid", telemetry.CacheNA, size)
		return nil, Outcome{}, fmt.Errorf("%w: image of %d bytes exceeds limit of %d",
			featurecache.ErrInvalidInput, size, d.config.MaxImageBytes)
	}

	fp := featurecache.FingerprintBytes(imageBytes)

	if result, ok := d.cache.Get(ctx, fp); ok {
		telemetry.RecordDetect(ctx, "ok", telemetry.CacheHit, size)
		return result, Outcome{CacheHit: true}, nil
	}

	result, shared, err := d.group.Do(ctx, fp, func(jobCtx context.Context) (*featurecache.Result, error) {
		return d.extract(jobCtx, fp, imageBytes)
	})
	d.updateGauges(ctx)
	if err != nil {
		d.forgetOnJobError(fp, err)
		telemetry.RecordDetect(ctx, detectOutcome(err), telemetry.CacheMiss, size)
		return nil, Outcome{Coalesced: shared}, err
	}

	cacheResult := telemetry.CacheMiss
	if shared {
		cacheResult = telemetry.CacheCoalesced
	}
	telemetry.RecordDetect(ctx, "ok", cacheResult, size)
	return result, Outcome{Coalesced: shared}, nil
}

// extract runs the single coalesced job for a fingerprint: stage the
// bytes, hand extraction to the worker pool, and cache the result. The
// context is detached from any individual request, so the job completes
// and populates the cache even when every original waiter has gone.
func (d *Detector) extract(ctx context.Context, fp featurecache.Fingerprint, imageBytes []byte) (*featurecache.Result, error) {
	path, cleanup, err := extractor.Stage(d.config.StagingDir, imageBytes)
	if err != nil {
		return nil, fmt.Errorf("staging image: %w", err)
	}
	defer cleanup()

	task, err := d.pool.Submit(func(workerCtx context.Context) (*featurecache.Result, error) {
		start := time.Now()
		result, err := d.extractor.Extract(workerCtx, path)
		if err != nil {
			telemetry.RecordExtraction(workerCtx, "error", time.Since(start), 0)
			return nil, err
		}
		telemetry.RecordExtraction(workerCtx, "success", time.Since(start), len(result.Keypoints))
		return result, nil
	})
	if err != nil {
		return nil, err
	}

	result, err := task.Wait(ctx)
	if err != nil {
		return nil, err
	}

	// Nothing is cached on failure; only a completed result lands here.
	d.cache.Put(ctx, fp, result)

	d.logger.Debug("extraction complete",
		"fingerprint", fp.ShortString(),
		"keypoints", len(result.Keypoints),
	)
	return result, nil
}

// forgetOnJobError clears the coalesced entry after a job failure so a
// later identical request can retry. A waiter's own context expiry is
// not a job failure: the job is still running, and later requests for
// the same fingerprint must join it rather than start a second one.
func (d *Detector) forgetOnJobError(fp featurecache.Fingerprint, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.group.Forget(fp)
}

// InFlight returns the number of extraction jobs currently coalesced.
func (d *Detector) InFlight() int64 {
	return d.group.InFlight()
}

// Waiters returns the number of callers waiting on a coalesced job.
func (d *Detector) Waiters() int64 {
	return d.group.Waiters()
}

func (d *Detector) updateGauges(ctx context.Context) {
	stats := d.pool.Stats()
	telemetry.UpdatePipelineState(ctx,
		d.group.InFlight(), d.group.Waiters(),
		int64(stats.QueueDepth), stats.Active,
	)
}

func detectOutcome(err error) string {
	var extractionErr *featurecache.ExtractionError
	switch {
	case errors.Is(err, featurecache.ErrServiceBusy):
		return "busy"
	case errors.As(err, &extractionErr):
		return "extraction_error"
	default:
		return "error"
	}
}
