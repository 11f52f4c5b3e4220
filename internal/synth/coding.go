package synth

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/decision"
	"github.com/five82/vp9pipe/internal/picture"
)

// Bits per superblock of one SAD unit at QP 0, and the QP step that halves
// the residual.
const (
	residualScale = 1600.0
	qpHalving     = 8.0
	modeBits      = 12
)

// Packet stream layout. A frame starts with a FrameHeaderSize byte header:
// flags, QP, refresh mask, temporal layer, picture number (8 bytes),
// decode order (4 bytes) and payload length (4 bytes). A show-existing
// header is the single byte ShowExistingMarker|slot.
const (
	FrameHeaderSize    = 20
	FrameMarker        = 0x80
	FrameInterFlag     = 0x04
	FrameShowFlag      = 0x02
	ShowExistingMarker = 0x88
)

// layerCost scales residual bits by temporal layer: higher layers predict
// from closer references.
var layerCost = [config.MaxTemporalLayers]float64{0.85, 0.65, 0.5, 0.4, 0.33, 0.28}

// MotionEstimator searches each segment of a picture against its analysis
// references.
type MotionEstimator struct {
	scs *config.SequenceControlSet
}

// NewMotionEstimator creates a motion estimator.
func NewMotionEstimator(scs *config.SequenceControlSet) *MotionEstimator {
	return &MotionEstimator{scs: scs}
}

// EstimateSegment returns the best SAD of one segment over all references.
func (m *MotionEstimator) EstimateSegment(t decision.SegmentTask) (uint64, error) {
	if len(t.Refs) == 0 {
		return 0, nil
	}
	own := t.Own.Object
	if own.PictureNumber != t.Parent.Object.PictureNumber {
		return 0, fmt.Errorf("segment %d of picture %d carries analysis reference %d",
			t.Segment, t.Parent.Object.PictureNumber, own.PictureNumber)
	}
	segments := uint64(m.scs.SegmentsPerPicture())
	sbs := max(uint64(m.scs.SBTotal)/segments, 1)

	best := uint64(math.MaxUint64)
	for _, r := range t.Refs {
		ref := r.Object
		d := int(own.AverageIntensity) - int(ref.AverageIntensity)
		if d < 0 {
			d = -d
		}
		dist := own.PictureNumber - ref.PictureNumber
		if dist < 0 {
			dist = -dist
		}
		sad := sbs * uint64(config.SuperblockSize*config.SuperblockSize) * uint64(d+int(dist))
		best = min(best, sad)
	}
	return best, nil
}

// Reconstructor rebuilds superblock rows from their coded residual.
type Reconstructor struct{}

// ReconstructRow reconstructs one row and returns its checksum. Rows of one
// picture may be reconstructed concurrently.
func (Reconstructor) ReconstructRow(c *picture.ControlSet, row int) uint64 {
	h := mix(uint64(c.PictureNumber), uint64(row)<<8|uint64(c.QP))
	for _, r := range c.RefList0 {
		h = mix(h, r.Object.Checksum)
	}
	for _, r := range c.RefList1 {
		h = mix(h, r.Object.Checksum)
	}
	return h
}

// Coder produces superblock bit counts from the picture content and QP.
type Coder struct{}

// WriteModes returns the bits of the mode information of one superblock.
func (Coder) WriteModes(cs *picture.ControlSet, _, _ int) int64 {
	if cs.SliceType == picture.ISlice {
		return modeBits / 2
	}
	return modeBits + int64(cs.TemporalLayer)
}

// Tokenize returns the residual bits of one superblock.
func (Coder) Tokenize(cs *picture.ControlSet, row, col int) int64 {
	p := cs.PPCS()
	hist := &p.Stats.MESAD
	cost := layerCost[min(cs.TemporalLayer, len(layerCost)-1)]
	if cs.SliceType == picture.ISlice {
		hist = &p.Stats.IntraSAD
		cost = 1
	}

	var total, n float64
	for b, count := range hist {
		sad := (float64(b) + 0.5) * picture.SADBinWidth
		total += float64(count) * sad
		n += float64(count)
	}
	if n == 0 {
		return 0
	}
	mean := total / n
	vary := 0.8 + 0.4*unit(mix(uint64(cs.PictureNumber), uint64(row)<<16|uint64(col)))
	return int64(residualScale * cost * mean * math.Exp2(-float64(cs.QP)/qpHalving) * vary)
}

// Packer writes a frame header followed by the coded payload.
type Packer struct{}

// PackFrame packs one coded picture.
func (Packer) PackFrame(c *picture.ControlSet) ([]byte, error) {
	p := c.PPCS()
	bits := c.Bits.Load()
	if bits < 0 {
		return nil, fmt.Errorf("picture %d has negative size %d", c.PictureNumber, bits)
	}
	payload := (bits + 7) / 8
	if payload > math.MaxUint32 {
		return nil, fmt.Errorf("picture %d payload of %d bytes is too large", c.PictureNumber, payload)
	}
	buf := make([]byte, FrameHeaderSize+int(payload))
	buf[0] = FrameMarker
	if p.FrameType != picture.KeyFrame {
		buf[0] |= FrameInterFlag
	}
	if p.ShowFrame {
		buf[0] |= FrameShowFlag
	}
	buf[1] = c.QP
	buf[2] = p.RPS.RefreshFrameMask
	buf[3] = byte(p.TemporalLayer)
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.PictureNumber))
	binary.BigEndian.PutUint32(buf[12:16], uint32(c.DecodeOrder))
	binary.BigEndian.PutUint32(buf[16:20], uint32(payload))
	return buf, nil
}

// PackShowExisting returns the one byte header that shows DPB slot.
func (Packer) PackShowExisting(slot uint8) []byte {
	return []byte{ShowExistingMarker | slot&0x07}
}
