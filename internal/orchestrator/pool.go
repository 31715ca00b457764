package orchestrator

import (
	"context"
	"sync"

	"routegate/internal/domain"
)

// Pool is the fixed worker pool every request runs on. Submission is
// non-blocking: a full queue is backpressure, surfaced to the caller
// as ErrQueueFull rather than unbounded buffering.
type Pool struct {
	mu     sync.RWMutex
	queue  chan func()
	closed bool
	wg     sync.WaitGroup

	onDepth func(int)
}

// NewPool starts workers goroutines draining a bounded queue.
func NewPool(workers, queueSize int) *Pool {
	p := &Pool{
		queue: make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.queue {
				fn()
			}
		}()
	}
	return p
}

// OnDepth registers a queue depth callback, invoked on every submit.
func (p *Pool) OnDepth(fn func(int)) { p.onDepth = fn }

// Do enqueues fn and waits for it to finish. Returns ErrShuttingDown
// after Shutdown, ErrQueueFull when the queue is at capacity, or the
// context error if the caller gives up while queued.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.ErrShuttingDown
	}
	select {
	case p.queue <- wrapped:
		if p.onDepth != nil {
			p.onDepth(len(p.queue))
		}
		p.mu.RUnlock()
	default:
		p.mu.RUnlock()
		return domain.ErrQueueFull
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The task may still run; the caller has stopped waiting.
		return ctx.Err()
	}
}

// Shutdown stops intake and waits for queued work to drain, bounded
// by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
