// Package predstruct builds the prediction-structure templates that mini-GOPs
// are coded with, and splits a buffer of pictures into mini-GOPs.
//
// Offsets follow one convention throughout: a reference offset is
// current POC minus referenced POC, and a dependency offset is dependent POC
// minus referenced POC. A dependency offset of zero is never valid.
package predstruct

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/five82/vp9pipe/internal/config"
)

var (
	// ErrUnsupportedHierarchy is returned for a hierarchical level count no
	// template exists for.
	ErrUnsupportedHierarchy = errors.New("unsupported hierarchical levels")

	// ErrZeroOffset is returned when a template would carry a zero offset.
	ErrZeroOffset = errors.New("zero dependency offset")
)

// Entry describes one display position of a prediction structure.
type Entry struct {
	TemporalLayer int
	DecodeOrder   int // position in coding order within the mini-GOP

	RefList0 []int64
	RefList1 []int64

	// Pictures that reference this one, including the next instance of the
	// same structure.
	DepList0 []int64
	DepList1 []int64

	// Hidden entries are decoded with show_frame off and shown later with a
	// show-existing header.
	Hidden bool
}

// IsReferenced reports whether any picture depends on the entry.
func (e *Entry) IsReferenced() bool {
	return len(e.DepList0)+len(e.DepList1) > 0
}

// Key identifies a structure.
type Key struct {
	Type   config.PredStructure
	Levels uint8
}

// Structure is a read-only prediction-structure template. Entries are indexed
// by display position within the mini-GOP.
type Structure struct {
	Type    config.PredStructure
	Levels  uint8
	Entries []Entry

	codingOrder []int // entry index by decode order
}

// Key returns the structure's lookup key.
func (s *Structure) Key() Key { return Key{Type: s.Type, Levels: s.Levels} }

// Period returns the number of pictures per instance.
func (s *Structure) Period() int { return len(s.Entries) }

// CodingOrder returns entry indexes in decode order.
func (s *Structure) CodingOrder() []int { return s.codingOrder }

func (s *Structure) String() string {
	return fmt.Sprintf("%s/L%d", s.Type, s.Levels)
}

// Build creates the template for (t, levels). Low-delay P ignores levels.
func Build(t config.PredStructure, levels uint8) (*Structure, error) {
	var s *Structure
	switch {
	case t == config.PredLowDelayP || levels == 0:
		s = lowDelayP()
	case t == config.PredRandomAccess && levels <= config.MaxHierarchicalLevels:
		s = randomAccess(levels)
	default:
		return nil, fmt.Errorf("%w: %s with %d levels", ErrUnsupportedHierarchy, t, levels)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func lowDelayP() *Structure {
	return &Structure{
		Type: config.PredLowDelayP,
		Entries: []Entry{{
			RefList0: []int64{1},
			DepList0: []int64{1},
		}},
		codingOrder: []int{0},
	}
}

// randomAccess builds a dyadic pyramid. Position p (1-based, display order)
// sits at layer levels-tz(p) and references p-2^tz(p) and p+2^tz(p); the
// base at p=period references the previous base only.
func randomAccess(levels uint8) *Structure {
	period := 1 << levels
	s := &Structure{
		Type:    config.PredRandomAccess,
		Levels:  levels,
		Entries: make([]Entry, period),
	}

	for p := 1; p <= period; p++ {
		e := &s.Entries[p-1]
		if p == period {
			e.RefList0 = []int64{int64(period)}
			e.Hidden = levels > 0
			continue
		}
		tz := bits.TrailingZeros(uint(p))
		step := int64(1) << tz
		e.TemporalLayer = int(levels) - tz
		e.RefList0 = []int64{step}
		e.RefList1 = []int64{-step}
		e.Hidden = e.TemporalLayer < int(levels)
	}

	// Dependents are found by scanning this instance and the next one.
	for q := 1; q <= 2*period; q++ {
		e := &s.Entries[(q-1)%period]
		for _, r := range e.RefList0 {
			if t := int64(q) - r; t >= 1 && t <= int64(period) {
				d := &s.Entries[t-1]
				d.DepList0 = append(d.DepList0, int64(q)-t)
			}
		}
		for _, r := range e.RefList1 {
			if t := int64(q) - r; t >= 1 && t <= int64(period) {
				d := &s.Entries[t-1]
				d.DepList1 = append(d.DepList1, int64(q)-t)
			}
		}
	}

	s.codingOrder = append(s.codingOrder, period-1)
	var split func(lo, hi int)
	split = func(lo, hi int) {
		if hi-lo < 2 {
			return
		}
		mid := (lo + hi) / 2
		s.codingOrder = append(s.codingOrder, mid-1)
		split(lo, mid)
		split(mid, hi)
	}
	split(0, period)
	for order, idx := range s.codingOrder {
		s.Entries[idx].DecodeOrder = order
	}
	return s
}

func (s *Structure) check() error {
	for i := range s.Entries {
		e := &s.Entries[i]
		for _, list := range [][]int64{e.RefList0, e.RefList1, e.DepList0, e.DepList1} {
			for _, off := range list {
				if off == 0 {
					return fmt.Errorf("%w: %s entry %d", ErrZeroOffset, s, i)
				}
			}
		}
	}
	return nil
}

// Set holds every template an encode session may select.
type Set struct {
	structures map[Key]*Structure
}

// NewSet builds the low-delay template and random-access templates for
// levels 1 through maxLevels.
func NewSet(maxLevels uint8) (*Set, error) {
	set := &Set{structures: make(map[Key]*Structure)}
	ldp, err := Build(config.PredLowDelayP, 0)
	if err != nil {
		return nil, err
	}
	set.structures[ldp.Key()] = ldp
	for l := uint8(1); l <= maxLevels; l++ {
		s, err := Build(config.PredRandomAccess, l)
		if err != nil {
			return nil, err
		}
		set.structures[s.Key()] = s
	}
	return set, nil
}

// Lookup returns the template for (t, levels).
func (s *Set) Lookup(t config.PredStructure, levels uint8) (*Structure, error) {
	if t == config.PredLowDelayP || levels == 0 {
		return s.structures[Key{Type: config.PredLowDelayP}], nil
	}
	st, ok := s.structures[Key{Type: t, Levels: levels}]
	if !ok {
		return nil, fmt.Errorf("%w: %s with %d levels", ErrUnsupportedHierarchy, t, levels)
	}
	return st, nil
}
