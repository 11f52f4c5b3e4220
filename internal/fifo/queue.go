package fifo

import (
	"context"
	"sync"
)

// Queue is a bounded full-object queue between two stages. Post blocks while
// the queue is full, Get blocks while it is empty.
type Queue[T any] struct {
	name      string
	ch        chan T
	closeOnce sync.Once
}

// NewQueue creates a queue with room for depth pending objects.
func NewQueue[T any](name string, depth int) *Queue[T] {
	if depth < 1 {
		depth = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, depth),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// Post enqueues v for the downstream stage.
func (q *Queue[T]) Post(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next object. ok is false once the queue is closed and
// drained.
func (q *Queue[T]) Get(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Close signals that no more objects will be posted.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Len returns the number of queued objects.
func (q *Queue[T]) Len() int { return len(q.ch) }
