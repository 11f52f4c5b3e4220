package picture

// Histogram geometry of the analysis statistics.
const (
	HistogramBins = 64
	SADBins       = 16

	// SADBinWidth is the per-pixel SAD covered by one SAD bin.
	SADBinWidth = 2
)

// RegionHistogram holds the luma and chroma histograms of one analysis
// region.
type RegionHistogram struct {
	Y  [HistogramBins]uint32
	Cb [HistogramBins]uint32
	Cr [HistogramBins]uint32
}

// Stats are the analysis results of one picture.
type Stats struct {
	Regions      []RegionHistogram
	RegionWidth  uint32
	RegionHeight uint32

	AverageIntensity uint8
	Variance         uint32
	NoiseVariance    uint32

	// Superblock counts per SAD bin, for motion-compensated and intra
	// prediction.
	MESAD    [SADBins]uint32
	IntraSAD [SADBins]uint32
}

// SADBin returns the bin of a per-pixel SAD value.
func SADBin(sad uint32) int {
	return min(int(sad/SADBinWidth), SADBins-1)
}
