package ratecontrol

import "sync"

// VBV search bounds.
const (
	maxVBVSteps = 1000
	vbvFloor    = 0.5
	vbvCeiling  = 0.8
)

// VBV models the decoder buffer: it fills at the channel rate, one frame
// interval per picture, and drains by the bits of each coded picture.
// Packetization updates it while rate control reads it.
type VBV struct {
	mu           sync.Mutex
	size         float64
	level        float64
	bitsPerFrame float64
	underflows   int
}

// NewVBV creates a buffer of size bits, initialPercent full.
func NewVBV(size int64, initialPercent uint8, bitsPerFrame float64) *VBV {
	return &VBV{
		size:         float64(size),
		level:        float64(size) * float64(initialPercent) / 100,
		bitsPerFrame: bitsPerFrame,
	}
}

// Update accounts for one packetized picture.
func (v *VBV) Update(bits int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.level = min(v.level+v.bitsPerFrame, v.size) - float64(bits)
	if v.level < 0 {
		v.underflows++
		v.level = 0
	}
}

// Level returns the buffer fullness in bits.
func (v *VBV) Level() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.level
}

// Size returns the buffer size in bits.
func (v *VBV) Size() float64 { return v.size }

// Underflows returns how many pictures drained the buffer below empty.
func (v *VBV) Underflows() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.underflows
}

// project returns the fullness after coding pictures of the given sizes.
func (v *VBV) project(level float64, bits []float64) float64 {
	for _, b := range bits {
		level = min(level+v.bitsPerFrame, v.size) - b
	}
	return level
}

// Adjust moves qp until the projected fullness at the end of the window lies
// between the floor and the ceiling. project returns the predicted picture
// sizes of the window at a candidate QP. The search stops when the
// direction would reverse.
func (v *VBV) Adjust(qp, minQP, maxQP int, project func(qp int) []float64) int {
	level := v.Level()
	dir := 0
	for step := 0; step < maxVBVSteps; step++ {
		final := v.project(level, project(qp))
		switch {
		case final < vbvFloor*v.size && qp < maxQP:
			if dir < 0 {
				return qp
			}
			dir = 1
			qp++
		case final > vbvCeiling*v.size && qp > minQP:
			if dir > 0 {
				return qp
			}
			dir = -1
			qp--
		default:
			return qp
		}
	}
	return qp
}
