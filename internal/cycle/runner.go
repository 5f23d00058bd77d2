package cycle

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"warpgate/internal/logging"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no room.
	ErrQueueFull = errors.New("cycle queue is full")
	// ErrRunnerStopped is returned by Enqueue after Stop.
	ErrRunnerStopped = errors.New("cycle runner is stopped")
)

// Runner feeds queued events to a fixed pool of workers.
type Runner struct {
	cycle   *Cycle
	workers int
	queue   chan Event
	onDone  func(Event, Result)

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewRunner creates a runner with the given pool and queue sizes. onDone,
// if set, is called from the worker goroutine after every cycle.
func NewRunner(c *Cycle, workers, queueSize int, onDone func(Event, Result)) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Runner{
		cycle:   c,
		workers: workers,
		queue:   make(chan Event, queueSize),
		onDone:  onDone,
	}
}

// Start launches the workers. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			r.work(gctx)
			return nil
		})
	}
	r.group = g
	logging.Cycle("cycle runner started with %d workers", r.workers)
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.queue:
			if !ok {
				return
			}
			res := r.cycle.Run(ctx, ev)
			if r.onDone != nil {
				r.onDone(ev, res)
			}
		}
	}
}

// Enqueue queues ev without blocking.
func (r *Runner) Enqueue(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	select {
	case r.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of queued events.
func (r *Runner) Pending() int {
	return len(r.queue)
}

// Stop closes the queue and waits for the workers to drain it. Cancel the
// Start context to abandon queued events instead.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	g, cancel := r.group, r.cancel
	r.mu.Unlock()

	if g != nil {
		_ = g.Wait()
		cancel()
	}
	logging.Cycle("cycle runner stopped")
}

// RunBatch runs events concurrently with at most workers in flight and
// returns results in input order.
func (c *Cycle) RunBatch(ctx context.Context, events []Event, workers int) []Result {
	results := make([]Result, len(events))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, ev := range events {
		g.Go(func() error {
			results[i] = c.Run(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
