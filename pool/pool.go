// Package pool provides a fixed-size worker pool that bounds CPU
// concurrency for the feature-extraction routine. Jobs queue when all
// workers are busy; a full bounded queue rejects new work so sustained
// overload produces backpressure instead of unbounded memory growth.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	featurecache "github.com/wolfeidau/feature-cache"
)

// ErrStopped is returned by Submit after the pool has been stopped.
var ErrStopped = errors.New("worker pool stopped")

// Job is a unit of CPU-bound extraction work. The context is the pool's
// run context: it is cancelled on shutdown, never by an individual
// waiter.
type Job func(ctx context.Context) (*featurecache.Result, error)

// Task is the pending handle for a submitted job.
type Task struct {
	done   chan struct{}
	result *featurecache.Result
	err    error
}

// Wait suspends the caller until the job completes or the caller's
// context expires. Abandoning the wait does not cancel the job.
func (t *Task) Wait(ctx context.Context) (*featurecache.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) complete(result *featurecache.Result, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of parallel workers. Extraction is CPU-bound,
	// so the default is GOMAXPROCS.
	Workers int

	// QueueDepth is the capacity of the pending-job queue. Submissions
	// beyond Workers busy + QueueDepth queued are rejected with
	// featurecache.ErrServiceBusy. Negative means no bound: jobs queue
	// without limit and Submit never rejects. Default: 64.
	QueueDepth int

	// Logger for pool lifecycle events.
	Logger *slog.Logger
}

// Stats is the pool's observability surface.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	QueueCap   int   `json:"queue_capacity"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	Rejected   int64 `json:"rejected"`
}

type queued struct {
	job  Job
	task *Task
}

// Pool runs jobs on a fixed number of workers.
type Pool struct {
	config Config
	logger *slog.Logger
	queue  chan queued

	active    atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	mu       sync.Mutex
	running  bool
	stopped  bool
	overflow []queued // spill for the unbounded configuration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new worker pool.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 64
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = -1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// The unbounded configuration still stages through a fixed channel;
	// anything beyond its capacity spills to the overflow slice.
	depth := cfg.QueueDepth
	if depth < 0 {
		depth = 64
	}

	return &Pool{
		config: cfg,
		logger: cfg.Logger,
		queue:  make(chan queued, depth),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers. It must be called once before Submit.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running || p.stopped {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Debug("starting worker pool",
		"workers", p.config.Workers,
		"queue_depth", p.config.QueueDepth,
	)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop shuts the pool down. Running jobs finish; queued jobs are failed
// with ErrStopped so no waiter hangs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	// Drain jobs that never reached a worker.
	for {
		select {
		case q := <-p.queue:
			q.task.complete(nil, ErrStopped)
		default:
			p.mu.Lock()
			spilled := p.overflow
			p.overflow = nil
			p.mu.Unlock()
			for _, q := range spilled {
				q.task.complete(nil, ErrStopped)
			}
			return
		}
	}
}

// Submit enqueues a job without blocking. It returns the pending Task,
// or featurecache.ErrServiceBusy when the bounded queue is full. The
// stopped check and the enqueue happen under the same lock, so a
// submission cannot slip into the queue after Stop has drained it.
func (p *Pool) Submit(job Job) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrStopped
	}

	t := &Task{done: make(chan struct{})}
	select {
	case p.queue <- queued{job: job, task: t}:
		return t, nil
	default:
	}

	if p.config.QueueDepth < 0 {
		p.overflow = append(p.overflow, queued{job: job, task: t})
		return t, nil
	}

	p.rejected.Add(1)
	return nil, featurecache.ErrServiceBusy
}

// Stats returns the pool's counters and queue state. QueueCap is -1 for
// an unbounded pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.queue) + len(p.overflow)
	p.mu.Unlock()

	return Stats{
		Workers:    p.config.Workers,
		QueueDepth: pending,
		QueueCap:   p.config.QueueDepth,
		Active:     p.active.Load(),
		Completed:  p.completed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		// Prefer shutdown over new work so Stop can drain the queue.
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case q := <-p.queue:
			p.runJob(ctx, q)
			p.refill()
		}
	}
}

// refill moves spilled jobs into the freed channel slot. Only the
// unbounded configuration ever spills.
func (p *Pool) refill() {
	if p.config.QueueDepth >= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.overflow) > 0 {
		select {
		case p.queue <- p.overflow[0]:
			p.overflow = p.overflow[1:]
		default:
			return
		}
	}
}

func (p *Pool) runJob(ctx context.Context, q queued) {
	p.active.Add(1)

	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		// A panicking extraction routine must not take down the process
		// or leave waiters hanging.
		if r := recover(); r != nil {
			p.logger.Error("extraction job panicked", "panic", r)
			q.task.complete(nil, featurecache.NewExtractionError("job panicked", fmt.Errorf("%v", r)))
		}
	}()

	result, err := q.job(ctx)
	q.task.complete(result, err)
}
