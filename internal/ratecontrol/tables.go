package ratecontrol

import (
	"math"
	"sync"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/picture"
)

// QP range of the tables.
const (
	MaxQP   = 63
	qpCount = MaxQP + 1
)

// Model classes: intra pictures, then one class per temporal layer of inter
// pictures.
const (
	classIntra = 0
	classCount = 1 + config.MaxTemporalLayers
)

// classOf returns the model class of a picture.
func classOf(layer int, intra bool) int {
	if intra {
		return classIntra
	}
	return 1 + min(max(layer, 0), config.MaxTemporalLayers-1)
}

// layerScale is the initial bit cost of an inter superblock relative to an
// intra one with the same SAD.
var layerScale = [config.MaxTemporalLayers]float64{0.8, 0.6, 0.45, 0.35, 0.3, 0.25}

// modelBits is the initial estimate of the bits one superblock costs.
func modelBits(class, qp, bin int) float64 {
	sad := (float64(bin) + 0.5) * picture.SADBinWidth
	scale := 1.0
	if class != classIntra {
		scale = layerScale[class-1]
	}
	return float64(config.SuperblockSize*config.SuperblockSize)/4*sad*scale*math.Exp2(-float64(qp)/8) + 32
}

// Table refresh: an observation moves the entry at its QP halfway (in the
// log domain) to the observed cost, and entries further away less.
const (
	updateWeight = 0.5
	updateSpread = 6.0
)

// Tables predict the bits of a picture from its SAD histogram. Each entry
// is the cost of one superblock in one SAD bin at one QP. Tables are shared
// between goroutines.
type Tables struct {
	mu   sync.RWMutex
	bits [classCount][qpCount][picture.SADBins]float64
}

// NewTables returns tables seeded with the initial model.
func NewTables() *Tables {
	t := &Tables{}
	for c := range t.bits {
		for q := range t.bits[c] {
			for b := range t.bits[c][q] {
				t.bits[c][q][b] = modelBits(c, q, b)
			}
		}
	}
	return t
}

// Predict returns the predicted bits of a picture of class with histogram
// hist coded at qp.
func (t *Tables) Predict(class, qp int, hist *[picture.SADBins]uint32) float64 {
	qp = min(max(qp, 0), MaxQP)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sum float64
	for b, n := range hist {
		sum += float64(n) * t.bits[class][qp][b]
	}
	return sum
}

// Update refreshes the tables with the bits a picture actually cost. The
// correction is strongest at qp and decays with QP distance.
func (t *Tables) Update(class, qp int, hist *[picture.SADBins]uint32, actual float64) {
	predicted := t.Predict(class, qp, hist)
	if predicted <= 0 || actual <= 0 {
		return
	}
	ratio := min(max(actual/predicted, 0.5), 2)

	t.mu.Lock()
	defer t.mu.Unlock()
	for q := range t.bits[class] {
		d := math.Abs(float64(q - qp))
		f := math.Pow(ratio, updateWeight*math.Exp(-d/updateSpread))
		for b, n := range hist {
			if n > 0 {
				t.bits[class][q][b] *= f
			}
		}
	}
}
