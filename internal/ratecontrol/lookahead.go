package ratecontrol

import (
	"sort"
	"sync"

	"github.com/five82/vp9pipe/internal/picture"
)

// HistogramEntry is the look-ahead record of one picture that has not been
// coded yet.
type HistogramEntry struct {
	PictureNumber int64
	TemporalLayer int
	Levels        uint8
	Intra         bool
	MESAD         [picture.SADBins]uint32
	IntraSAD      [picture.SADBins]uint32
}

func (h *HistogramEntry) hist() *[picture.SADBins]uint32 {
	if h.Intra {
		return &h.IntraSAD
	}
	return &h.MESAD
}

// lookAhead holds histogram entries sorted by picture number. Picture
// decision adds entries while rate control reads them, so a window only
// holds what has arrived.
type lookAhead struct {
	mu      sync.Mutex
	entries []HistogramEntry
}

func (l *lookAhead) add(e HistogramEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].PictureNumber >= e.PictureNumber })
	if i < len(l.entries) && l.entries[i].PictureNumber == e.PictureNumber {
		l.entries[i] = e
		return
	}
	l.entries = append(l.entries, HistogramEntry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

// window returns up to n entries starting at picture from.
func (l *lookAhead) window(from int64, n int) []HistogramEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].PictureNumber >= from })
	end := min(i+n, len(l.entries))
	return append([]HistogramEntry(nil), l.entries[i:end]...)
}

func (l *lookAhead) remove(poc int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].PictureNumber >= poc })
	if i < len(l.entries) && l.entries[i].PictureNumber == poc {
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
	}
}

func (l *lookAhead) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
