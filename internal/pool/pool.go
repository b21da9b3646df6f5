// Package pool provides a bounded pool of expensive, reusable handles.
//
// At most Max handles exist at once. Acquirers beyond that wait in FIFO order
// until a handle is released. Handle creation is serialized. Close waits for
// queued acquirers and handles in use, then destroys every handle.
package pool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("pool closed")

// Options configure a Pool.
type Options[T any] struct {
	Min, Max int
	Create   func(ctx context.Context) (T, error)
	Destroy  func(T)
}

// Pool is a bounded FIFO pool of T.
type Pool[T any] struct {
	min, max int
	create   func(ctx context.Context) (T, error)
	destroy  func(T)

	slots    *semaphore.Weighted
	createMu sync.Mutex

	mu     sync.Mutex
	idle   []T
	live   int
	closed bool
}

// New creates a pool. Max is raised to Min when smaller, and to 1 when zero.
func New[T any](opts Options[T]) *Pool[T] {
	maxSize := max(opts.Max, opts.Min, 1)
	destroy := opts.Destroy
	if destroy == nil {
		destroy = func(T) {}
	}
	return &Pool[T]{
		min:     max(opts.Min, 0),
		max:     maxSize,
		create:  opts.Create,
		destroy: destroy,
		slots:   semaphore.NewWeighted(int64(maxSize)),
	}
}

// Warm creates handles until Min are idle. It stops at the first error.
func (p *Pool[T]) Warm(ctx context.Context) error {
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return err
		}
		p.mu.Lock()
		if p.closed || p.live >= p.min {
			closed := p.closed
			p.mu.Unlock()
			p.slots.Release(1)
			if closed {
				return ErrClosed
			}
			return nil
		}
		p.live++
		p.mu.Unlock()

		h, err := p.newHandle(ctx)
		p.mu.Lock()
		if err != nil {
			p.live--
		} else {
			p.idle = append(p.idle, h)
		}
		p.mu.Unlock()
		p.slots.Release(1)
		if err != nil {
			return err
		}
	}
}

func (p *Pool[T]) newHandle(ctx context.Context) (T, error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()
	return p.create(ctx)
}

// Acquire returns an idle handle or creates one, waiting while Max handles
// are in use. A creation failure is returned to this caller only.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.live++
	p.mu.Unlock()

	h, err := p.newHandle(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.slots.Release(1)
		return zero, err
	}
	return h, nil
}

// Release returns h to the pool.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		p.destroy(h)
		p.slots.Release(1)
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	p.slots.Release(1)
}

// Discard destroys h instead of returning it, for handles left unusable.
func (p *Pool[T]) Discard(h T) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.destroy(h)
	p.slots.Release(1)
}

// Stats reports handles alive and idle.
func (p *Pool[T]) Stats() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle)
}

// Close waits for earlier acquirers and in-use handles, destroys every handle
// and fails later acquirers with ErrClosed.
func (p *Pool[T]) Close(ctx context.Context) error {
	if err := p.slots.Acquire(ctx, int64(p.max)); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(int64(p.max))
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	for _, h := range idle {
		p.destroy(h)
	}
	p.slots.Release(int64(p.max))
	return nil
}
