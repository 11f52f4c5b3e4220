package config

// Queue depths. These bound how far apart in picture number two in-flight
// pictures may be.
const (
	PictureDecisionReorderQueueDepth = 2048
	PaReferenceQueueDepth            = 2048
	PictureManagerReorderQueueDepth  = 2048
	ReferenceQueueDepth              = 2048
	PacketizationReorderQueueDepth   = 2048

	// ParallelGopMaxNumber is the number of rate-control intervals that may
	// be in flight at once.
	ParallelGopMaxNumber = 64

	// MaxTemporalLayers is the number of temporal layers of the deepest pyramid.
	MaxTemporalLayers = 6

	// DPBSize is the number of VP9 reference slots.
	DPBSize = 8
)

// SequenceControlSet is the immutable per-stream configuration shared by all
// per-picture objects. It is derived once from a validated Config.
type SequenceControlSet struct {
	Config

	SBCols  uint32
	SBRows  uint32
	SBTotal uint32

	SegmentCols uint32
	SegmentRows uint32

	MaxTemporalLayers int
	LookAhead         int
	PicturePoolSize   int

	// Rate-control interval length in pictures.
	IntervalLength int

	// Rate-control budget.
	BitsPerFrame      float64
	VirtualBufferSize int64
	VBVBufferSize     int64
}

// NewSequenceControlSet derives the sequence control set from cfg. cfg must
// have passed Validate.
func NewSequenceControlSet(cfg *Config) *SequenceControlSet {
	scs := &SequenceControlSet{Config: *cfg}

	scs.SBCols = (cfg.Width + SuperblockSize - 1) / SuperblockSize
	scs.SBRows = (cfg.Height + SuperblockSize - 1) / SuperblockSize
	scs.SBTotal = scs.SBCols * scs.SBRows

	scs.SegmentCols, scs.SegmentRows = cfg.MESegmentCols, cfg.MESegmentRows
	if scs.SegmentCols == 0 || scs.SegmentRows == 0 {
		scs.SegmentCols, scs.SegmentRows = segmentGridForWidth(cfg.Width)
	}
	scs.SegmentCols = min(scs.SegmentCols, scs.SBCols)
	scs.SegmentRows = min(scs.SegmentRows, scs.SBRows)

	scs.MaxTemporalLayers = int(cfg.HierarchicalLevels) + 1

	scs.LookAhead = cfg.LookAheadDistance
	if scs.LookAhead == 0 {
		scs.LookAhead = 2*cfg.MiniGopSize() + 1
	}

	scs.PicturePoolSize = cfg.PicturePoolSize
	if scs.PicturePoolSize == 0 {
		scs.PicturePoolSize = scs.LookAhead + 4*cfg.MiniGopSize() + 8
	}

	switch {
	case cfg.IntraPeriod > 0:
		scs.IntervalLength = cfg.IntraPeriod + 1
	default:
		scs.IntervalLength = max(cfg.MiniGopSize()*4, 32)
	}

	scs.BitsPerFrame = float64(cfg.TargetBitrate) / cfg.FrameRate()
	scs.VirtualBufferSize = int64(cfg.TargetBitrate)
	scs.VBVBufferSize = int64(cfg.VBVBufferSize)
	if scs.VBVBufferSize == 0 {
		scs.VBVBufferSize = int64(cfg.TargetBitrate)
	}

	return scs
}

// SegmentsPerPicture returns the number of motion-estimation segments each
// picture is split into.
func (s *SequenceControlSet) SegmentsPerPicture() int {
	return int(s.SegmentCols * s.SegmentRows)
}

// segmentGridForWidth returns the ME segment grid for a frame width.
func segmentGridForWidth(width uint32) (cols, rows uint32) {
	switch {
	case width >= UHDWidthThreshold:
		return 6, 6
	case width >= HDWidthThreshold:
		return 4, 4
	default:
		return 2, 2
	}
}

// Width thresholds for resolution-dependent defaults.
const (
	HDWidthThreshold  uint32 = 1920
	UHDWidthThreshold uint32 = 3840
)
