package ring

import "errors"

// ErrFull is returned when pushing into a full Queue.
var ErrFull = errors.New("circular queue full")

// Queue is a fixed-capacity circular queue whose slots keep a stable index
// while occupied. Entries can be cleared in place; the head then advances past
// cleared slots.
type Queue[T any] struct {
	slots []T
	used  []bool
	head  int
	tail  int
	count int
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		slots: make([]T, capacity),
		used:  make([]bool, capacity),
	}
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.slots) }

// Len returns the number of slots between head and tail, cleared or not.
func (q *Queue[T]) Len() int { return q.count }

// Full reports whether a Push would fail.
func (q *Queue[T]) Full() bool { return q.count == len(q.slots) }

// Next returns the slot index following i.
func (q *Queue[T]) Next(i int) int { return (i + 1) % len(q.slots) }

// Prev returns the slot index preceding i.
func (q *Queue[T]) Prev(i int) int { return (i - 1 + len(q.slots)) % len(q.slots) }

// Push appends v at the tail and returns its slot index.
func (q *Queue[T]) Push(v T) (int, error) {
	if q.Full() {
		return -1, ErrFull
	}
	i := q.tail
	q.slots[i] = v
	q.used[i] = true
	q.tail = q.Next(q.tail)
	q.count++
	return i, nil
}

// At returns the entry stored at slot i.
func (q *Queue[T]) At(i int) (T, bool) {
	return q.slots[i], q.used[i]
}

// Clear empties slot i without moving the head.
func (q *Queue[T]) Clear(i int) {
	var zero T
	q.slots[i] = zero
	q.used[i] = false
}

// Compact advances the head past cleared slots.
func (q *Queue[T]) Compact() {
	for q.count > 0 && !q.used[q.head] {
		q.head = q.Next(q.head)
		q.count--
	}
}

// Each visits occupied slots from head to tail. Returning false stops the walk.
func (q *Queue[T]) Each(fn func(i int, v T) bool) {
	for n, i := 0, q.head; n < q.count; n, i = n+1, q.Next(i) {
		if !q.used[i] {
			continue
		}
		if !fn(i, q.slots[i]) {
			return
		}
	}
}
