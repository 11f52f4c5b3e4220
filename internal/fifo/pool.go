// Package fifo provides the object pool and queue substrate the pipeline
// stages are connected with.
//
// A Pool owns a fixed set of pre-built objects. Stages acquire an empty
// wrapper, fill it, register additional holders with IncLiveCount, and every
// holder calls Release exactly once. The object returns to the pool when its
// live count reaches zero.
package fifo

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolExhausted is returned when a pool cannot be constructed.
	ErrPoolExhausted = errors.New("object pool construction failed")

	// ErrLiveCountUnderflow is returned when an object is released more
	// times than it was acquired.
	ErrLiveCountUnderflow = errors.New("object live count underflow")
)

// Wrapper carries a pooled object and its live count.
type Wrapper[T any] struct {
	Object    *T
	pool      *Pool[T]
	liveCount int
}

// LiveCount returns the current number of holders.
func (w *Wrapper[T]) LiveCount() int {
	w.pool.lockout.Lock()
	defer w.pool.lockout.Unlock()
	return w.liveCount
}

// IncLiveCount registers n additional holders.
func (w *Wrapper[T]) IncLiveCount(n int) {
	w.pool.lockout.Lock()
	w.liveCount += n
	w.pool.lockout.Unlock()
}

// Release drops one holder. The last release resets the object and returns it
// to the pool.
func (w *Wrapper[T]) Release() error {
	p := w.pool
	p.lockout.Lock()
	if w.liveCount <= 0 {
		p.lockout.Unlock()
		return fmt.Errorf("%w: %s", ErrLiveCountUnderflow, p.name)
	}
	w.liveCount--
	last := w.liveCount == 0
	p.lockout.Unlock()

	if !last {
		return nil
	}
	if p.reset != nil {
		p.reset(w.Object)
	}
	// The channel holds every wrapper the pool owns, so this never blocks.
	p.empty <- w
	return nil
}

// Pool is a fixed-size pool of reusable objects. Acquisition blocks until an
// object is free, the buffered channel acting as the counting semaphore.
type Pool[T any] struct {
	name    string
	size    int
	empty   chan *Wrapper[T]
	reset   func(*T)
	lockout sync.Mutex
}

// NewPool builds size objects with create. reset is called on an object when
// its last holder releases it and may be nil.
func NewPool[T any](name string, size int, create func() (*T, error), reset func(*T)) (*Pool[T], error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: %s: size must be at least 1, got %d", ErrPoolExhausted, name, size)
	}

	p := &Pool[T]{
		name:  name,
		size:  size,
		empty: make(chan *Wrapper[T], size),
		reset: reset,
	}

	for i := 0; i < size; i++ {
		obj, err := create()
		if err != nil {
			return nil, fmt.Errorf("%w: %s object %d: %w", ErrPoolExhausted, name, i, err)
		}
		p.empty <- &Wrapper[T]{Object: obj, pool: p}
	}

	return p, nil
}

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

// Size returns the number of objects the pool owns.
func (p *Pool[T]) Size() int { return p.size }

// Available returns the number of objects currently free.
func (p *Pool[T]) Available() int { return len(p.empty) }

// GetEmpty blocks until an object is free and returns it with a live count
// of one.
func (p *Pool[T]) GetEmpty(ctx context.Context) (*Wrapper[T], error) {
	select {
	case w := <-p.empty:
		p.lockout.Lock()
		w.liveCount = 1
		p.lockout.Unlock()
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGetEmpty returns a free object without blocking.
func (p *Pool[T]) TryGetEmpty() (*Wrapper[T], bool) {
	select {
	case w := <-p.empty:
		p.lockout.Lock()
		w.liveCount = 1
		p.lockout.Unlock()
		return w, true
	default:
		return nil, false
	}
}
