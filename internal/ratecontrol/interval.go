package ratecontrol

import (
	"errors"
	"fmt"
	"math"

	"github.com/five82/vp9pipe/internal/config"
)

// ErrIntervalBusy is returned when a picture maps to an interval slot that
// still holds an unfinished interval.
var ErrIntervalBusy = errors.New("rate control interval still in flight")

// R-D model limits and averaging weights (sixteenths).
const (
	initialK = 8.0
	minK     = 2.0
	maxK     = 12.0

	normalOldWeight   = 11
	criticalOldWeight = 8

	criticalHigh = 2.0
	criticalLow  = 0.5

	// minSlopeStep is the QP distance below which content noise swamps
	// the slope estimate.
	minSlopeStep = 2
)

// Model is the per-class rate-distortion model bits = c * P(qp) with
// log2 slope 1/k.
type Model struct {
	C float64
	K float64

	lastQP   int
	lastNorm float64
	seen     bool
	critical bool
}

func newModel() Model { return Model{C: 1, K: initialK} }

// observe folds one coded picture into the model. ratio is actual bits over
// the table prediction at the QP used; norm is actual bits over a fixed
// complexity estimate.
func (m *Model) observe(qp int, ratio, norm float64) {
	m.critical = ratio > criticalHigh || ratio < criticalLow
	oldW := float64(normalOldWeight)
	if m.critical {
		oldW = criticalOldWeight
	}
	newW := 16 - oldW

	m.C = (oldW*m.C + newW*m.C*ratio) / 16

	if m.seen && abs(qp-m.lastQP) >= minSlopeStep && norm > 0 && m.lastNorm > 0 {
		l := math.Log2(m.lastNorm / norm)
		if k := float64(qp-m.lastQP) / l; l != 0 && k > 0 && !math.IsInf(k, 0) {
			k = min(max(k, minK), maxK)
			m.K = (oldW*m.K + newW*k) / 16
		}
	}
	m.lastQP, m.lastNorm, m.seen = qp, norm, true
}

// Interval is the rate-control state of a run of consecutive pictures.
// Intervals are coded in parallel and share the stream budget.
type Interval struct {
	Index    int64 // picture number / interval length
	FirstPOC int64
	LastPOC  int64

	Assigned int
	Fed      int
	Ended    bool // the end of sequence falls in this interval

	VirtualBufferLevel float64
	ExtraBits          float64

	Models [classCount]Model

	used bool
}

// Active reports whether pictures of the interval are still in flight or
// expected.
func (iv *Interval) Active() bool {
	if !iv.used {
		return false
	}
	if iv.Ended {
		return iv.Fed < iv.Assigned
	}
	return iv.Fed < int(iv.LastPOC-iv.FirstPOC+1)
}

// Remaining returns the pictures of the interval not yet assigned a QP.
func (iv *Interval) Remaining() int {
	return max(int(iv.LastPOC-iv.FirstPOC+1)-iv.Assigned, 1)
}

// fill returns the interval buffer fullness as a fraction, 0.5 when level
// is zero.
func (iv *Interval) fill(vbs float64) float64 {
	return 0.5 + iv.VirtualBufferLevel/vbs
}

// intervalSet is the ring of ParallelGopMaxNumber intervals.
type intervalSet struct {
	length int64
	slots  [config.ParallelGopMaxNumber]Interval
}

func newIntervalSet(length int) *intervalSet {
	return &intervalSet{length: int64(max(length, 1))}
}

// get returns the interval holding poc, starting it if needed. A new
// interval inherits the models and outstanding extra bits of its
// predecessor.
func (s *intervalSet) get(poc int64) (*Interval, error) {
	idx := poc / s.length
	iv := &s.slots[idx%config.ParallelGopMaxNumber]
	if iv.used && iv.Index == idx {
		return iv, nil
	}
	if iv.Active() {
		return nil, fmt.Errorf("%w: picture %d needs slot of interval %d", ErrIntervalBusy, poc, iv.Index)
	}

	next := Interval{
		Index:    idx,
		FirstPOC: idx * s.length,
		LastPOC:  (idx+1)*s.length - 1,
		used:     true,
	}
	for c := range next.Models {
		next.Models[c] = newModel()
	}
	if prev := s.lookup(idx - 1); prev != nil {
		next.Models = prev.Models
		next.ExtraBits = prev.ExtraBits
		prev.ExtraBits = 0
	}
	*iv = next
	return iv, nil
}

// lookup returns interval idx if it is still held.
func (s *intervalSet) lookup(idx int64) *Interval {
	if idx < 0 {
		return nil
	}
	iv := &s.slots[idx%config.ParallelGopMaxNumber]
	if !iv.used || iv.Index != idx {
		return nil
	}
	return iv
}

// redistributionBands weight a receiving interval by how far its buffer is
// from half full, in eighths of the buffer.
var redistributionBands = [...]float64{1, 2, 4, 8}

func bandWeight(fill float64) float64 {
	d := math.Abs(fill - 0.5)
	i := min(int(d*8), len(redistributionBands)-1)
	return redistributionBands[i]
}

// redistribute books deviation bits of src. Half stays with src, the rest
// is shared by the later active intervals, favouring those furthest from
// half full, each share clipped to a quarter of the virtual buffer. What
// cannot be placed stays with src, or moves on to the next interval once
// every picture of src has its QP.
func (s *intervalSet) redistribute(src *Interval, deviation, vbs float64) {
	keep := deviation / 2
	rest := deviation - keep

	var (
		targets []*Interval
		weights []float64
		total   float64
	)
	for i := range s.slots {
		iv := &s.slots[i]
		if iv == src || !iv.Active() || iv.FirstPOC <= src.FirstPOC {
			continue
		}
		w := bandWeight(iv.fill(vbs))
		targets = append(targets, iv)
		weights = append(weights, w)
		total += w
	}

	clip := vbs / 4
	for i, iv := range targets {
		share := min(max(rest*weights[i]/total, -clip), clip)
		iv.ExtraBits += share
		rest -= share
		total -= weights[i]
	}
	sink := src
	if src.Assigned >= int(src.LastPOC-src.FirstPOC+1) {
		if next := s.lookup(src.Index + 1); next != nil {
			sink = next
		}
	}
	sink.ExtraBits += keep + rest
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
