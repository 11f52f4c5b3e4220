// Package picture defines the per-picture control blocks shared by the
// pipeline stages.
package picture

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/predstruct"
	"github.com/five82/vp9pipe/internal/refqueue"
)

// ErrLifetime is returned when a control block would outlive the block it
// depends on.
var ErrLifetime = errors.New("control set lifetime violation")

// SliceType is the coding type of a picture.
type SliceType uint8

const (
	ISlice SliceType = iota
	PSlice
	BSlice
)

func (s SliceType) String() string {
	switch s {
	case ISlice:
		return "I"
	case PSlice:
		return "P"
	case BSlice:
		return "B"
	default:
		return fmt.Sprintf("slice(%d)", uint8(s))
	}
}

// FrameType is the VP9 frame type.
type FrameType uint8

const (
	KeyFrame FrameType = iota
	InterFrame
)

func (f FrameType) String() string {
	if f == KeyFrame {
		return "KEY"
	}
	return "INTER"
}

// Reference slot roles within RPS.RefDPBIndex.
const (
	RefLast = iota
	RefGolden
	RefAltRef
)

// MaxShowExisting is the number of show-existing headers one packet carries.
const MaxShowExisting = 4

// RPS is the reference picture set of one picture: which DPB slots are read
// and which are overwritten after coding.
type RPS struct {
	RefDPBIndex      [3]uint8
	RefreshFrameMask uint8
}

// ParentControlSet carries one source picture through analysis, picture
// decision and rate control until packetization.
type ParentControlSet struct {
	SCS           *config.SequenceControlSet
	PictureNumber int64
	EndOfSequence bool

	Stats       Stats
	PaReference *fifo.Wrapper[PaReference]

	// Picture decision
	SceneChange        bool
	IDR                bool
	SliceType          SliceType
	FrameType          FrameType
	TemporalLayer      int
	HierarchicalLevels uint8
	PredStruct         *predstruct.Structure
	PredEntry          int
	MiniGopStart       int64
	MiniGopEnd         int64
	DecodeOrder        int64
	RPS                RPS
	ShowFrame          bool
	ShowExisting       []uint8 // DPB slots shown after this frame
	RefList0           []int64 // reference POCs
	RefList1           []int64
	DepList0           []int64 // template dependency offsets
	DepList1           []int64
	IsUsedAsReference  bool

	// Dependency rewrites to apply before inserting this picture into a
	// reference queue. CutFrom is -1 when unused.
	CutFrom int64
	Rebuild *refqueue.Rebuild

	// Motion estimation fan-out
	SegmentsRemaining atomic.Int32
	SegmentSAD        atomic.Uint64

	// Rate control scratch
	BestPredQP    uint8
	QP            uint8
	TargetBits    float64
	PredictedBits float64

	childAlive atomic.Bool
}

// Reset clears the control set for reuse.
func (p *ParentControlSet) Reset() {
	scs := p.SCS
	stats := p.Stats.Regions
	*p = ParentControlSet{SCS: scs, CutFrom: -1}
	for i := range stats {
		stats[i] = RegionHistogram{}
	}
	p.Stats.Regions = stats
}

// Entry returns the prediction-structure entry assigned to the picture.
func (p *ParentControlSet) Entry() *predstruct.Entry {
	if p.PredStruct == nil {
		return nil
	}
	return &p.PredStruct.Entries[p.PredEntry]
}

// BindChild records that a child control set now refers to p.
func (p *ParentControlSet) BindChild() error {
	if !p.childAlive.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: picture %d already has a child", ErrLifetime, p.PictureNumber)
	}
	return nil
}

// UnbindChild records that the child of p was released.
func (p *ParentControlSet) UnbindChild() error {
	if !p.childAlive.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: picture %d has no child", ErrLifetime, p.PictureNumber)
	}
	return nil
}

// CheckRelease returns an error if p still has a live child.
func (p *ParentControlSet) CheckRelease() error {
	if p.childAlive.Load() {
		return fmt.Errorf("%w: picture %d released before its child", ErrLifetime, p.PictureNumber)
	}
	return nil
}

// NewParentPool creates the parent control set pool for scs.
func NewParentPool(scs *config.SequenceControlSet, size int) (*fifo.Pool[ParentControlSet], error) {
	regions := int(scs.RegionsPerWidth * scs.RegionsPerHeight)
	return fifo.NewPool("parent control set", size, func() (*ParentControlSet, error) {
		return &ParentControlSet{
			SCS:     scs,
			CutFrom: -1,
			Stats:   Stats{Regions: make([]RegionHistogram, regions)},
		}, nil
	}, (*ParentControlSet).Reset)
}

// PaReference is the analysis-resolution reference used by motion
// estimation.
type PaReference struct {
	PictureNumber    int64
	AverageIntensity uint8
	SAD              [SADBins]uint32
}

// Reset clears the reference for reuse.
func (r *PaReference) Reset() { *r = PaReference{} }

// NewPaReferencePool creates the analysis reference pool.
func NewPaReferencePool(size int) (*fifo.Pool[PaReference], error) {
	return fifo.NewPool("pa reference", size, func() (*PaReference, error) {
		return &PaReference{}, nil
	}, (*PaReference).Reset)
}

// Reference is a reconstructed reference picture.
type Reference struct {
	PictureNumber int64
	DecodeOrder   int64
	QP            uint8
	SliceType     SliceType
	TemporalLayer int
	Checksum      uint64
}

// Reset clears the reference for reuse.
func (r *Reference) Reset() { *r = Reference{} }

// NewReferencePool creates the reconstructed reference pool.
func NewReferencePool(size int) (*fifo.Pool[Reference], error) {
	return fifo.NewPool("reference", size, func() (*Reference, error) {
		return &Reference{}, nil
	}, (*Reference).Reset)
}
