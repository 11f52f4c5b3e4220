package picture

import (
	"math/bits"
	"sync/atomic"
)

const inProgressBit = uint64(1) << 32

// RowSync lets entropy-coding workers claim the superblock rows of one
// picture strictly top to bottom while reconstruction completes rows in any
// order.
//
// Readiness lives in an atomic bitmap. The claim cursor packs the next row
// and an in-progress flag into one word that changes only by compare and
// swap. A worker that marks a row ready and a worker that completes the
// previous row each re-check the other's state after publishing their own,
// so at least one of them sees the row claimable.
type RowSync struct {
	rows  int
	ready []atomic.Uint64
	state atomic.Uint64
	done  atomic.Bool
}

// NewRowSync creates a synchronizer for rows superblock rows.
func NewRowSync(rows int) *RowSync {
	return &RowSync{
		rows:  rows,
		ready: make([]atomic.Uint64, (rows+63)/64),
	}
}

// Reset prepares the synchronizer for a new picture with the same row count.
func (s *RowSync) Reset() {
	for i := range s.ready {
		s.ready[i].Store(0)
	}
	s.state.Store(0)
	s.done.Store(false)
}

// Rows returns the number of rows.
func (s *RowSync) Rows() int { return s.rows }

// MarkReady flags rows [start, start+count) as reconstructed.
func (s *RowSync) MarkReady(start, count int) {
	for r := max(start, 0); r < min(start+count, s.rows); r++ {
		s.ready[r/64].Or(uint64(1) << (r % 64))
	}
}

// IsReady reports whether row has been marked ready.
func (s *RowSync) IsReady(row int) bool {
	return s.ready[row/64].Load()&(uint64(1)<<(row%64)) != 0
}

// ReadyPrefix returns the number of contiguous ready rows from the top.
func (s *RowSync) ReadyPrefix() int {
	n := 0
	for i := range s.ready {
		w := s.ready[i].Load()
		if w == ^uint64(0) {
			n += 64
			continue
		}
		n += bits.TrailingZeros64(^w)
		break
	}
	return min(n, s.rows)
}

// TryClaim claims the next row if it is ready and no row is in progress.
func (s *RowSync) TryClaim() (int, bool) {
	for {
		st := s.state.Load()
		next := int(uint32(st))
		if st&inProgressBit != 0 || next >= s.rows || !s.IsReady(next) {
			return 0, false
		}
		if s.state.CompareAndSwap(st, uint64(next)|inProgressBit) {
			return next, true
		}
	}
}

// Complete finishes a claimed row. It returns true exactly once, for the
// last row of the picture.
func (s *RowSync) Complete(row int) bool {
	s.state.Store(uint64(row + 1))
	if row == s.rows-1 {
		return s.done.CompareAndSwap(false, true)
	}
	return false
}

// Done reports whether the last row has completed.
func (s *RowSync) Done() bool { return s.done.Load() }
