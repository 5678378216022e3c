// Package workpool runs validation work on a fixed set of workers fed by a
// bounded queue.
package workpool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dan-solli/patternguard/pkg/metrics"
	"github.com/dan-solli/patternguard/pkg/pattern"
)

// Priority decides what happens to a request when the queue is full.
type Priority int

const (
	// Shallow requests are best effort and dropped when the queue is full.
	Shallow Priority = iota
	// Deep requests wait for queue space.
	Deep
	// OnDemand requests come from an explicit caller and wait for queue space.
	OnDemand
)

// String returns the metric label for the priority.
func (p Priority) String() string {
	switch p {
	case Shallow:
		return "shallow"
	case Deep:
		return "deep"
	case OnDemand:
		return "on_demand"
	}
	return "unknown"
}

// Droppable reports whether requests of this priority may be dropped.
func (p Priority) Droppable() bool {
	return p == Shallow
}

// Task states.
const (
	stateQueued int32 = iota
	stateRunning
	stateAbandoned
)

type task struct {
	ctx   context.Context
	fn    func(context.Context) error
	done  chan error
	state atomic.Int32
}

// Pool is a fixed-size worker pool with a bounded queue.
type Pool struct {
	queue   chan *task
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	workers int
	logger  *slog.Logger
	metrics metrics.Collector
}

// New starts workers goroutines reading from a queue of the given depth.
func New(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &Pool{
		queue:   make(chan *task, depth),
		quit:    make(chan struct{}),
		workers: workers,
		metrics: metrics.NewNoopCollector(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// WithLogger sets the logger and returns the pool for chaining.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	p.logger = logger
	return p
}

// WithMetrics sets the metrics collector and returns the pool for chaining.
func (p *Pool) WithMetrics(c metrics.Collector) *Pool {
	if c != nil {
		p.metrics = c
	}
	return p
}

func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Depth returns the number of queued requests.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Do runs fn on a worker and waits for it to return.
//
// When the queue is full a Shallow request fails immediately with
// pattern.ErrQueueFull; other priorities wait for space until ctx is done.
// A request whose ctx ends while it is still queued is abandoned and never runs.
// A panic inside fn is recovered and reported as pattern.ErrValidationPanicked.
func (p *Pool) Do(ctx context.Context, prio Priority, fn func(context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := p.enqueue(ctx, prio, t); err != nil {
		return err
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		if t.state.CompareAndSwap(stateQueued, stateAbandoned) {
			return ctx.Err()
		}
	case <-p.quit:
		if t.state.CompareAndSwap(stateQueued, stateAbandoned) {
			return pattern.ErrClosed
		}
	}
	// Already running: fn observes ctx, so this wait is bounded by it.
	return <-t.done
}

func (p *Pool) enqueue(ctx context.Context, prio Priority, t *task) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return pattern.ErrClosed
	}

	if prio.Droppable() {
		select {
		case p.queue <- t:
			p.metrics.SetQueueDepth(ctx, len(p.queue))
			return nil
		default:
			p.metrics.RecordDropped(ctx, prio.String())
			p.log().Warn("request dropped, queue full", "priority", prio.String(), "depth", cap(p.queue))
			return pattern.ErrQueueFull
		}
	}

	select {
	case p.queue <- t:
		p.metrics.SetQueueDepth(ctx, len(p.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return pattern.ErrClosed
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.queue:
			p.metrics.SetQueueDepth(context.Background(), len(p.queue))
			if !t.state.CompareAndSwap(stateQueued, stateRunning) {
				continue
			}
			t.done <- p.run(t)
		}
	}
}

func (p *Pool) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log().Error("recovered panic in worker", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", pattern.ErrValidationPanicked, r)
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.fn(t.ctx)
}

// Close stops the workers after their current task. Queued requests are
// abandoned and their callers receive pattern.ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}
