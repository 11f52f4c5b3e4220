package synth

import (
	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/picture"
)

const noiseVariance = 50

// Analyzer fills picture analysis statistics from the source content.
type Analyzer struct {
	scs    *config.SequenceControlSet
	source *Source
}

// NewAnalyzer creates an analyzer for source.
func NewAnalyzer(scs *config.SequenceControlSet, source *Source) *Analyzer {
	return &Analyzer{scs: scs, source: source}
}

// Analyze computes the statistics of p and its analysis reference. It may
// run concurrently for different pictures.
func (a *Analyzer) Analyze(p *picture.ParentControlSet, pa *picture.PaReference) error {
	f := a.source.Frame(p.PictureNumber)
	s := &p.Stats

	s.RegionWidth = a.scs.Width / a.scs.RegionsPerWidth
	s.RegionHeight = a.scs.Height / a.scs.RegionsPerHeight
	pixels := s.RegionWidth * s.RegionHeight
	drift := uint32(f.Jitter * float64(pixels))

	y := int(f.Intensity) * picture.HistogramBins / 256
	c := int(f.Chroma) * picture.HistogramBins / 256
	for r := range s.Regions {
		reg := &s.Regions[r]
		*reg = picture.RegionHistogram{}
		fill(&reg.Y, y, pixels, drift)
		fill(&reg.Cb, c, pixels/4, drift/4)
		fill(&reg.Cr, picture.HistogramBins-1-c, pixels/4, drift/4)
	}

	s.AverageIntensity = f.Intensity
	s.Variance = uint32(100 + 50*f.Texture)
	s.NoiseVariance = noiseVariance

	motion := f.Motion
	if f.SceneStart && f.PictureNumber > 0 {
		// Nothing in the previous scene predicts the new one.
		motion = f.Texture
	}
	s.MESAD = spread(a.scs.SBTotal, motion)
	s.IntraSAD = spread(a.scs.SBTotal, f.Texture)

	pa.PictureNumber = p.PictureNumber
	pa.AverageIntensity = f.Intensity
	pa.SAD = s.MESAD
	return nil
}

func fill(h *[picture.HistogramBins]uint32, bin int, n, drift uint32) {
	next := bin + 1
	if next == picture.HistogramBins {
		next = bin - 1
	}
	h[bin] = n - drift
	h[next] += drift
}
