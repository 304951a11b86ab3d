// Package worker provides the bounded pool that runs handler and job
// bodies off the bus and scheduler driver loops.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go after Close.
var ErrClosed = errors.New("worker: pool closed")

// Pool bounds how many submitted functions execute at once. Submission
// never blocks the caller: a submitted function waits for a free slot
// in its own goroutine, so driver loops keep running while the pool is
// saturated.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	running atomic.Int64
	waiting atomic.Int64
}

// NewPool returns a pool allowing size concurrent executions.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Go schedules fn. If ctx is done before a slot frees up, fn is
// skipped. fn should recover its own panics.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.waiting.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.sem.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			return
		}
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)
		fn()
	}()
	return nil
}

// Close stops accepting work. Already submitted work still runs.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until all submitted work has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return int(p.size) }

// Running returns how many functions are executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Waiting returns how many functions are queued for a slot.
func (p *Pool) Waiting() int { return int(p.waiting.Load()) }
