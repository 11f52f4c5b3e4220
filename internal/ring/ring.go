// Package ring provides fixed-capacity circular buffers used by the pipeline
// stages: a keyed reorder ring that restores sequence order, and a plain
// circular queue with stable slot indexes.
package ring

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfWindow is returned when a key falls outside the ring's window.
	ErrOutOfWindow = errors.New("key outside reorder window")

	// ErrOccupied is returned when a slot already holds a pending entry.
	ErrOccupied = errors.New("reorder slot already occupied")
)

type slot[T any] struct {
	key     int64 // key the slot expects next
	val     T
	present bool
}

// Ring is a keyed reorder buffer. Entries are inserted with a monotonically
// assigned key in any order and drained strictly in key order: the head only
// advances while the head slot is populated.
//
// A slot is addressed by key mod depth. When an entry is consumed the slot's
// expected key is advanced by depth for the next wrap-around cycle.
type Ring[T any] struct {
	slots   []slot[T]
	head    int
	headKey int64
	pending int
}

// New creates a ring of the given depth whose first expected key is firstKey.
func New[T any](depth int, firstKey int64) *Ring[T] {
	if depth < 1 {
		depth = 1
	}
	r := &Ring[T]{
		slots:   make([]slot[T], depth),
		headKey: firstKey,
	}
	r.head = r.index(firstKey)
	for i := 0; i < depth; i++ {
		k := firstKey + int64(i)
		r.slots[r.index(k)].key = k
	}
	return r
}

func (r *Ring[T]) index(key int64) int {
	d := int64(len(r.slots))
	return int(((key % d) + d) % d)
}

// Depth returns the ring capacity.
func (r *Ring[T]) Depth() int { return len(r.slots) }

// HeadKey returns the key the ring will release next.
func (r *Ring[T]) HeadKey() int64 { return r.headKey }

// Len returns the number of pending entries.
func (r *Ring[T]) Len() int { return r.pending }

// Put stores v under key.
func (r *Ring[T]) Put(key int64, v T) error {
	if key < r.headKey || key >= r.headKey+int64(len(r.slots)) {
		return fmt.Errorf("%w: key %d, window [%d,%d)", ErrOutOfWindow, key, r.headKey, r.headKey+int64(len(r.slots)))
	}
	s := &r.slots[r.index(key)]
	if s.present {
		return fmt.Errorf("%w: key %d", ErrOccupied, key)
	}
	s.key = key
	s.val = v
	s.present = true
	r.pending++
	return nil
}

// Peek returns the entry stored under key without removing it.
func (r *Ring[T]) Peek(key int64) (T, bool) {
	var zero T
	if key < r.headKey || key >= r.headKey+int64(len(r.slots)) {
		return zero, false
	}
	s := &r.slots[r.index(key)]
	if !s.present || s.key != key {
		return zero, false
	}
	return s.val, true
}

// Head returns the head entry if it is populated.
func (r *Ring[T]) Head() (T, bool) {
	s := &r.slots[r.head]
	if !s.present {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Pop removes and returns the head entry if populated, advancing the head.
func (r *Ring[T]) Pop() (int64, T, bool) {
	var zero T
	s := &r.slots[r.head]
	if !s.present {
		return 0, zero, false
	}
	key, v := s.key, s.val
	s.val = zero
	s.present = false
	s.key += int64(len(r.slots))
	r.pending--
	r.head = (r.head + 1) % len(r.slots)
	r.headKey++
	return key, v, true
}

// Drain pops entries in key order while the head is populated, calling fn for
// each. A non-nil error from fn stops the drain; the failing entry has
// already been removed.
func (r *Ring[T]) Drain(fn func(key int64, v T) error) error {
	for {
		key, v, ok := r.Pop()
		if !ok {
			return nil
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
}
