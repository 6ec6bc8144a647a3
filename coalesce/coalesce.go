// Package coalesce provides singleflight-based deduplication for
// concurrent extraction requests. When multiple requests arrive for the
// same uncached fingerprint, only one extraction job runs; every waiter
// receives that job's single result or error.
package coalesce

import (
	"context"
	"log/slog"
	"sync/atomic"

	featurecache "github.com/wolfeidau/feature-cache"
	"golang.org/x/sync/singleflight"
)

// JobFunc performs the extraction for one fingerprint. The context passed
// to JobFunc is detached from any single request so that one caller
// timing out does not cancel the job for other waiters.
type JobFunc func(ctx context.Context) (*featurecache.Result, error)

// Group deduplicates concurrent extraction jobs per fingerprint. It uses
// singleflight's DoChan so each caller can respect its own context
// deadline without cancelling the in-flight job for others.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger

	jobs    atomic.Int64
	waiters atomic.Int64
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a new Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn for the fingerprint, or joins an already in-flight job for
// it. Returns the result, whether it was shared with another caller, and
// any error. The registration and completed-check happen inside
// singleflight's critical section, so no waiter can register after the
// broadcast begins and be left unnotified.
//
// If the caller's context expires before the job completes, Do returns
// the context error but the job continues for other waiters and still
// populates the cache.
func (g *Group) Do(ctx context.Context, fp featurecache.Fingerprint, fn JobFunc) (*featurecache.Result, bool, error) {
	key := fp.String()

	g.waiters.Add(1)
	defer g.waiters.Add(-1)

	ch := g.group.DoChan(key, func() (any, error) {
		g.jobs.Add(1)
		defer g.jobs.Add(-1)
		// Detached context: no single caller's cancellation stops the
		// job for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*featurecache.Result), res.Shared, nil
	case <-ctx.Done():
		g.logger.Debug("waiter abandoned in-flight job", "fingerprint", fp.ShortString())
		return nil, false, ctx.Err()
	}
}

// Forget removes the fingerprint from the group, allowing a subsequent
// call to retry. Called after a job error so a later identical request
// re-attempts extraction.
func (g *Group) Forget(fp featurecache.Fingerprint) {
	g.group.Forget(fp.String())
}

// InFlight returns the number of jobs currently executing.
func (g *Group) InFlight() int64 {
	return g.jobs.Load()
}

// Waiters returns the number of callers currently waiting on a job.
func (g *Group) Waiters() int64 {
	return g.waiters.Load()
}
