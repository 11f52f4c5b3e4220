package predstruct

// Stats-tree bounds. The tree covers 32 pictures; nodes below level 2 are
// never emitted as pyramids.
const (
	treeTopLevel = 5
	treeMinLevel = 2
)

// Span is one mini-GOP within a pre-assignment buffer. Start and End are
// inclusive buffer indexes.
type Span struct {
	Start  int
	End    int
	Levels uint8
	// Complete spans fill a whole pyramid of 2^Levels pictures. Incomplete
	// spans hold a single picture coded low-delay.
	Complete bool
}

// Len returns the number of pictures in the span.
func (s Span) Len() int { return s.End - s.Start + 1 }

// Partition splits n buffered pictures into mini-GOPs for a stream configured
// with the given hierarchical levels. The stats tree is walked in preorder
// and a node is emitted when it is no deeper than levels and lies entirely
// inside the buffer. Pictures left after the last emitted node are coded
// one low-delay picture at a time.
func Partition(n int, levels uint8) []Span {
	var spans []Span
	next := 0

	emit := func(lo, size int, lvl uint8) {
		spans = append(spans, Span{Start: lo, End: lo + size - 1, Levels: lvl, Complete: true})
		next = lo + size
	}

	if levels >= treeMinLevel {
		var walk func(lvl uint8, lo int)
		walk = func(lvl uint8, lo int) {
			size := 1 << lvl
			if lo >= n || lo != next {
				return
			}
			if lvl <= levels && lo+size <= n {
				emit(lo, size, lvl)
				return
			}
			if lvl == treeMinLevel {
				return
			}
			walk(lvl-1, lo)
			walk(lvl-1, lo+size/2)
		}
		walk(treeTopLevel, 0)
	} else if levels == 1 {
		for next+2 <= n {
			emit(next, 2, 1)
		}
	}

	for ; next < n; next++ {
		spans = append(spans, Span{Start: next, End: next})
	}
	return spans
}
