// Package refqueue tracks how many in-flight pictures still depend on each
// reference picture and releases references once nothing needs them.
//
// The same tracker serves the motion-estimation reference queue and the
// reconstructed reference queue; only the payload type differs.
package refqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/five82/vp9pipe/internal/ring"
)

var (
	// ErrDependencyUnderflow is returned when a consumption has no pending
	// dependency to match, i.e. the dependent count would go below zero.
	ErrDependencyUnderflow = errors.New("reference dependent count underflow")

	// ErrQueueFull is returned when an insert finds no free slot.
	ErrQueueFull = errors.New("reference queue full")

	// ErrUnknownPicture is returned when a picture is not in the queue.
	ErrUnknownPicture = errors.New("picture not in reference queue")
)

// List selects a reference list.
type List int

const (
	List0 List = iota
	List1
)

// Dependency is one picture depending on a reference. Offset is dependent
// POC minus reference POC.
type Dependency struct {
	Offset   int64
	Consumed bool
}

func newDeps(offsets []int64) []Dependency {
	if len(offsets) == 0 {
		return nil
	}
	deps := make([]Dependency, len(offsets))
	for i, off := range offsets {
		deps[i] = Dependency{Offset: off}
	}
	return deps
}

func pending(deps []Dependency) int {
	n := 0
	for _, d := range deps {
		if !d.Consumed {
			n++
		}
	}
	return n
}

// Entry is one tracked reference picture.
type Entry[T any] struct {
	PictureNumber int64
	Payload       T

	DepList0 []Dependency
	DepList1 []Dependency

	DependentCount     int
	ReferenceAvailable bool
	ReleaseEnable      bool
	FeedbackArrived    bool
}

// Pending returns the number of unconsumed dependencies.
func (e *Entry[T]) Pending() int {
	return pending(e.DepList0) + pending(e.DepList1)
}

// Releasable reports whether the entry may be released.
func (e *Entry[T]) Releasable() bool {
	return e.DependentCount == 0 && e.ReferenceAvailable && e.ReleaseEnable
}

// Rebuild describes the dependency rewrite applied at a boundary between two
// mini-GOPs with different structures. Every pending dependency of a picture
// at or before BoundaryEnd that targets a picture after BoundaryEnd is
// dropped, and the exact dependencies of the new mini-GOP are added.
type Rebuild struct {
	BoundaryEnd int64
	List0       map[int64][]int64 // reference POC to dependency offsets
	List1       map[int64][]int64
}

// AddReference records that dependent references ref through list.
func (r *Rebuild) AddReference(ref, dependent int64, list List) {
	m := &r.List0
	if list == List1 {
		m = &r.List1
	}
	if *m == nil {
		*m = make(map[int64][]int64)
	}
	(*m)[ref] = append((*m)[ref], dependent-ref)
}

// Queue is a reference dependency tracker. All methods are safe for
// concurrent use.
type Queue[T any] struct {
	name    string
	mu      sync.Mutex
	entries *ring.Queue[*Entry[T]]
	release func(T) error
}

// New creates a tracker of the given depth. release is called with the
// payload of every entry the tracker drops.
func New[T any](name string, depth int, release func(T) error) *Queue[T] {
	return &Queue[T]{
		name:    name,
		entries: ring.NewQueue[*Entry[T]](depth),
		release: release,
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// Insert adds a picture with its template dependency lists. The dependent
// count starts at the number of listed dependencies.
func (q *Queue[T]) Insert(poc int64, payload T, dep0, dep1 []int64, releaseEnable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &Entry[T]{
		PictureNumber: poc,
		Payload:       payload,
		DepList0:      newDeps(dep0),
		DepList1:      newDeps(dep1),
		ReleaseEnable: releaseEnable,
	}
	e.DependentCount = len(e.DepList0) + len(e.DepList1)
	if _, err := q.entries.Push(e); err != nil {
		return fmt.Errorf("%w: %s at picture %d", ErrQueueFull, q.name, poc)
	}
	return nil
}

// lookup returns the entry for poc. q.mu must be held.
func (q *Queue[T]) lookup(poc int64) *Entry[T] {
	var found *Entry[T]
	q.entries.Each(func(_ int, e *Entry[T]) bool {
		if e.PictureNumber == poc {
			found = e
			return false
		}
		return true
	})
	return found
}

// Snapshot returns a copy of the entry for poc.
func (q *Queue[T]) Snapshot(poc int64) (Entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.lookup(poc)
	if e == nil {
		return Entry[T]{}, false
	}
	c := *e
	c.DepList0 = append([]Dependency(nil), e.DepList0...)
	c.DepList1 = append([]Dependency(nil), e.DepList1...)
	return c, true
}

// Acquire returns the payload of ref for a dependent picture and consumes the
// matching dependency. hold is called on the payload under the queue lock so
// the caller can register itself as a holder before any sweep can release it.
func (q *Queue[T]) Acquire(ref, dependent int64, list List, hold func(T)) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	e := q.lookup(ref)
	if e == nil {
		return zero, fmt.Errorf("%w: %s: picture %d referencing %d", ErrUnknownPicture, q.name, dependent, ref)
	}
	if err := q.consume(e, dependent, list); err != nil {
		return zero, err
	}
	if hold != nil {
		hold(e.Payload)
	}
	return e.Payload, nil
}

// Consume marks the dependency of dependent on ref through list as consumed
// and decrements the reference's dependent count.
func (q *Queue[T]) Consume(ref, dependent int64, list List) error {
	_, err := q.Acquire(ref, dependent, list, nil)
	return err
}

func (q *Queue[T]) consume(e *Entry[T], dependent int64, list List) error {
	deps := e.DepList0
	if list == List1 {
		deps = e.DepList1
	}
	off := dependent - e.PictureNumber
	for i := range deps {
		if deps[i].Offset != off || deps[i].Consumed {
			continue
		}
		if e.DependentCount == 0 {
			break
		}
		deps[i].Consumed = true
		e.DependentCount--
		return nil
	}
	return fmt.Errorf("%w: %s: picture %d has no pending list%d dependency from %d (count %d)",
		ErrDependencyUnderflow, q.name, e.PictureNumber, list, dependent, e.DependentCount)
}

// CutFrom drops every pending dependency targeting a picture at or after poc.
// Used when poc is an intra picture no dependency may cross.
func (q *Queue[T]) CutFrom(poc int64) int {
	return q.cut(func(target int64) bool { return target >= poc })
}

// CutAfter drops every pending dependency targeting a picture after poc.
// Used at end of sequence.
func (q *Queue[T]) CutAfter(poc int64) int {
	return q.cut(func(target int64) bool { return target > poc })
}

func (q *Queue[T]) cut(match func(target int64) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	q.entries.Each(func(_ int, e *Entry[T]) bool {
		n := cutList(&e.DepList0, e.PictureNumber, match) + cutList(&e.DepList1, e.PictureNumber, match)
		e.DependentCount -= n
		removed += n
		return true
	})
	return removed
}

// cutList removes pending dependencies whose target matches and returns how
// many were removed. Consumed entries are kept.
func cutList(deps *[]Dependency, poc int64, match func(int64) bool) int {
	kept := (*deps)[:0]
	removed := 0
	for _, d := range *deps {
		if !d.Consumed && match(poc+d.Offset) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	*deps = kept
	return removed
}

// Rebuild applies r. The dependent count of each touched entry changes by
// added minus removed pending dependencies.
func (q *Queue[T]) Rebuild(r *Rebuild) error {
	if r == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	match := func(target int64) bool { return target > r.BoundaryEnd }
	q.entries.Each(func(_ int, e *Entry[T]) bool {
		if e.PictureNumber > r.BoundaryEnd {
			return true
		}
		e.DependentCount -= cutList(&e.DepList0, e.PictureNumber, match) + cutList(&e.DepList1, e.PictureNumber, match)
		return true
	})

	add := func(m map[int64][]int64, list List) error {
		for ref, offs := range m {
			e := q.lookup(ref)
			if e == nil {
				return fmt.Errorf("%w: %s: rebuild at %d references %d", ErrUnknownPicture, q.name, r.BoundaryEnd, ref)
			}
			for _, off := range offs {
				d := Dependency{Offset: off}
				if list == List0 {
					e.DepList0 = append(e.DepList0, d)
				} else {
					e.DepList1 = append(e.DepList1, d)
				}
				e.DependentCount++
			}
		}
		return nil
	}
	if err := add(r.List0, List0); err != nil {
		return err
	}
	return add(r.List1, List1)
}

// MarkAvailable flags the reference content of poc as final.
func (q *Queue[T]) MarkAvailable(poc int64) error {
	return q.update(poc, func(e *Entry[T]) { e.ReferenceAvailable = true })
}

// MarkFeedback records that rate-control feedback for poc has arrived.
func (q *Queue[T]) MarkFeedback(poc int64) error {
	return q.update(poc, func(e *Entry[T]) { e.FeedbackArrived = true })
}

// SetPayload replaces the payload of poc.
func (q *Queue[T]) SetPayload(poc int64, payload T) error {
	return q.update(poc, func(e *Entry[T]) { e.Payload = payload })
}

// EnableRelease allows poc to be released once its other conditions hold.
func (q *Queue[T]) EnableRelease(poc int64) error {
	return q.update(poc, func(e *Entry[T]) { e.ReleaseEnable = true })
}

func (q *Queue[T]) update(poc int64, fn func(*Entry[T])) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.lookup(poc)
	if e == nil {
		return fmt.Errorf("%w: %s: picture %d", ErrUnknownPicture, q.name, poc)
	}
	fn(e)
	return nil
}

// Ready reports whether poc is available, and with feedback required, whether
// its feedback has arrived. Unknown pictures are not ready.
func (q *Queue[T]) Ready(poc int64, needFeedback bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.lookup(poc)
	if e == nil {
		return false
	}
	return e.ReferenceAvailable && (!needFeedback || e.FeedbackArrived)
}

// Sweep releases every releasable entry and advances the head past released
// slots. Release errors are joined and returned after the walk.
func (q *Queue[T]) Sweep() (int, error) {
	q.mu.Lock()
	var (
		payloads []T
		released int
	)
	q.entries.Each(func(i int, e *Entry[T]) bool {
		if e.Releasable() {
			payloads = append(payloads, e.Payload)
			q.entries.Clear(i)
			released++
		}
		return true
	})
	q.entries.Compact()
	q.mu.Unlock()

	var errs []error
	if q.release != nil {
		for _, p := range payloads {
			if err := q.release(p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return released, errors.Join(errs...)
}

// Len returns the number of occupied slots between head and tail.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Verify checks that every entry's dependent count equals its number of
// pending dependencies.
func (q *Queue[T]) Verify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	q.entries.Each(func(_ int, e *Entry[T]) bool {
		if e.DependentCount < 0 || e.DependentCount != e.Pending() {
			err = fmt.Errorf("%w: %s: picture %d count %d pending %d",
				ErrDependencyUnderflow, q.name, e.PictureNumber, e.DependentCount, e.Pending())
			return false
		}
		return true
	})
	return err
}
