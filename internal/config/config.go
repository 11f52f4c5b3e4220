// Package config provides configuration types and defaults for vp9pipe.
package config

import "fmt"

// PredStructure selects the mini-GOP prediction structure family.
type PredStructure uint8

const (
	// PredRandomAccess codes hierarchical B pyramids with hidden frames.
	PredRandomAccess PredStructure = iota
	// PredLowDelayP codes every picture forward-predicted from the previous one.
	PredLowDelayP
)

func (p PredStructure) String() string {
	switch p {
	case PredRandomAccess:
		return "random-access"
	case PredLowDelayP:
		return "low-delay-p"
	default:
		return fmt.Sprintf("pred(%d)", uint8(p))
	}
}

// RateControlMode selects how picture QPs are chosen.
type RateControlMode uint8

const (
	// RCConstantQP uses the configured QP plus per-layer offsets.
	RCConstantQP RateControlMode = iota
	// RCVariableBitrate targets an average bitrate with cross-GOP bit sharing.
	RCVariableBitrate
	// RCConstantBitrate targets a bitrate with tight virtual-buffer control.
	RCConstantBitrate
)

func (m RateControlMode) String() string {
	switch m {
	case RCConstantQP:
		return "cqp"
	case RCVariableBitrate:
		return "vbr"
	case RCConstantBitrate:
		return "cbr"
	default:
		return fmt.Sprintf("rc(%d)", uint8(m))
	}
}

// Tune selects the QP strategy table.
type Tune uint8

const (
	// TuneSQ favours subjective quality.
	TuneSQ Tune = iota
	// TuneOQ favours objective (PSNR) quality.
	TuneOQ
	// TuneVMAF favours VMAF.
	TuneVMAF
)

func (t Tune) String() string {
	switch t {
	case TuneSQ:
		return "sq"
	case TuneOQ:
		return "oq"
	case TuneVMAF:
		return "vmaf"
	default:
		return fmt.Sprintf("tune(%d)", uint8(t))
	}
}

// SceneChangeMode selects the region fraction a scene change requires.
type SceneChangeMode uint8

const (
	// SCDOff disables scene-change detection.
	SCDOff SceneChangeMode = iota
	// SCDNormal flags a scene change when half of the regions change.
	SCDNormal
	// SCDStrict flags a scene change when three quarters of the regions change.
	SCDStrict
)

// Default constants
const (
	// DefaultWidth and DefaultHeight are the synthetic source dimensions.
	DefaultWidth  uint32 = 1920
	DefaultHeight uint32 = 1080

	// DefaultFrameRateNum / DefaultFrameRateDen is 30 fps.
	DefaultFrameRateNum uint32 = 30
	DefaultFrameRateDen uint32 = 1

	// DefaultHierarchicalLevels gives 8-picture mini-GOPs (4 temporal layers).
	DefaultHierarchicalLevels uint8 = 3

	// MaxHierarchicalLevels is the deepest pyramid the RPS tables describe.
	MaxHierarchicalLevels uint8 = 4

	// DefaultIntraPeriod places a key frame every 32 pictures.
	DefaultIntraPeriod int = 31

	// DefaultQP is the CQP quantizer and the rate-control starting point.
	DefaultQP uint8 = 45

	// DefaultMinQP and DefaultMaxQP bound every chosen QP.
	DefaultMinQP uint8 = 1
	DefaultMaxQP uint8 = 63

	// DefaultTargetBitrate is the VBR/CBR target in bits per second.
	DefaultTargetBitrate uint32 = 7_000_000

	// DefaultTune is the objective-quality strategy.
	DefaultTune = TuneOQ

	// DefaultSceneChangeMode enables detection with the 50% rule.
	DefaultSceneChangeMode = SCDNormal

	// DefaultRegionsPerWidth and DefaultRegionsPerHeight tile the picture
	// for histogram analysis.
	DefaultRegionsPerWidth  uint32 = 4
	DefaultRegionsPerHeight uint32 = 4

	// DefaultEntropyWorkers is the number of entropy coding workers.
	DefaultEntropyWorkers int = 4

	// DefaultAnalysisWorkers is the number of picture analysis workers.
	DefaultAnalysisWorkers int = 4

	// DefaultReconWorkers is the number of reconstruction workers.
	DefaultReconWorkers int = 4

	// SuperblockSize is the VP9 superblock edge in pixels.
	SuperblockSize uint32 = 64
)

// Config holds all configuration for one encode session.
type Config struct {
	// Source
	Width        uint32
	Height       uint32
	FrameRateNum uint32
	FrameRateDen uint32

	// Prediction structure
	HierarchicalLevels uint8
	PredStructure      PredStructure
	IntraPeriod        int // -1: first picture only, 0: every picture, N: every N+1
	SceneChangeMode    SceneChangeMode

	// Rate control
	RateControlMode   RateControlMode
	QP                uint8
	MinQP             uint8
	MaxQP             uint8
	TargetBitrate     uint32  // bits per second
	VBVBufferSize     uint32  // bits, 0 means one second of TargetBitrate
	VBVInitialPercent uint8   // initial VBV fullness
	LookAheadDistance int     // pictures, 0 means two mini-GOPs
	Tune              Tune
	MaxRateAdjust     float64 // fraction of target the high-level stage may add or remove

	// Reference handling
	RequireReferenceFeedback bool // hold pictures until reference feedback arrived

	// Analysis grid
	RegionsPerWidth  uint32
	RegionsPerHeight uint32
	MESegmentCols    uint32 // 0 means derived from resolution
	MESegmentRows    uint32

	// Parallelism
	AnalysisWorkers int
	ReconWorkers    int
	EntropyWorkers  int
	PicturePoolSize int // 0 means derived from look-ahead

	// Debug options
	Verbose bool
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Width:              DefaultWidth,
		Height:             DefaultHeight,
		FrameRateNum:       DefaultFrameRateNum,
		FrameRateDen:       DefaultFrameRateDen,
		HierarchicalLevels: DefaultHierarchicalLevels,
		PredStructure:      PredRandomAccess,
		IntraPeriod:        DefaultIntraPeriod,
		SceneChangeMode:    DefaultSceneChangeMode,
		RateControlMode:    RCConstantQP,
		QP:                 DefaultQP,
		MinQP:              DefaultMinQP,
		MaxQP:              DefaultMaxQP,
		TargetBitrate:      DefaultTargetBitrate,
		VBVInitialPercent:  90,
		Tune:               DefaultTune,
		MaxRateAdjust:      0.3,
		RegionsPerWidth:    DefaultRegionsPerWidth,
		RegionsPerHeight:   DefaultRegionsPerHeight,
		AnalysisWorkers:    DefaultAnalysisWorkers,
		ReconWorkers:       DefaultReconWorkers,
		EntropyWorkers:     DefaultEntropyWorkers,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Width < 64 || c.Height < 64 {
		return fmt.Errorf("frame size must be at least 64x64, got %dx%d", c.Width, c.Height)
	}
	if c.Width%8 != 0 || c.Height%8 != 0 {
		return fmt.Errorf("frame size must be a multiple of 8, got %dx%d", c.Width, c.Height)
	}
	if c.FrameRateNum == 0 || c.FrameRateDen == 0 {
		return fmt.Errorf("invalid frame rate %d/%d", c.FrameRateNum, c.FrameRateDen)
	}

	if c.HierarchicalLevels > MaxHierarchicalLevels {
		return fmt.Errorf("hierarchical_levels must be 0-%d, got %d", MaxHierarchicalLevels, c.HierarchicalLevels)
	}
	if c.PredStructure > PredLowDelayP {
		return fmt.Errorf("unknown prediction structure %d", c.PredStructure)
	}
	if c.IntraPeriod < -1 || c.IntraPeriod > 255 {
		return fmt.Errorf("intra_period must be -1-255, got %d", c.IntraPeriod)
	}
	if c.SceneChangeMode > SCDStrict {
		return fmt.Errorf("unknown scene change mode %d", c.SceneChangeMode)
	}

	if c.RateControlMode > RCConstantBitrate {
		return fmt.Errorf("unknown rate control mode %d", c.RateControlMode)
	}
	if c.MaxQP > 63 {
		return fmt.Errorf("max_qp must be 0-63, got %d", c.MaxQP)
	}
	if c.MinQP > c.MaxQP {
		return fmt.Errorf("min_qp (%d) must not exceed max_qp (%d)", c.MinQP, c.MaxQP)
	}
	if c.QP < c.MinQP || c.QP > c.MaxQP {
		return fmt.Errorf("qp must be within [%d,%d], got %d", c.MinQP, c.MaxQP, c.QP)
	}
	if c.RateControlMode != RCConstantQP && c.TargetBitrate < 1000 {
		return fmt.Errorf("target bitrate must be at least 1000 bps, got %d", c.TargetBitrate)
	}
	if c.VBVInitialPercent > 100 {
		return fmt.Errorf("vbv initial fullness must be 0-100%%, got %d", c.VBVInitialPercent)
	}
	if c.LookAheadDistance < 0 || c.LookAheadDistance > 256 {
		return fmt.Errorf("lookahead must be 0-256, got %d", c.LookAheadDistance)
	}
	if c.Tune > TuneVMAF {
		return fmt.Errorf("unknown tune %d", c.Tune)
	}
	if c.MaxRateAdjust < 0 || c.MaxRateAdjust > 1 {
		return fmt.Errorf("max rate adjust must be 0-1, got %g", c.MaxRateAdjust)
	}

	if c.RegionsPerWidth == 0 || c.RegionsPerHeight == 0 {
		return fmt.Errorf("analysis regions must be non-zero, got %dx%d", c.RegionsPerWidth, c.RegionsPerHeight)
	}

	for _, w := range []struct {
		name  string
		value int
	}{
		{"analysis_workers", c.AnalysisWorkers},
		{"recon_workers", c.ReconWorkers},
		{"entropy_workers", c.EntropyWorkers},
	} {
		if w.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", w.name, w.value)
		}
	}
	if c.PicturePoolSize < 0 {
		return fmt.Errorf("picture pool size must be non-negative, got %d", c.PicturePoolSize)
	}

	return nil
}

// MiniGopSize returns the nominal number of pictures per mini-GOP.
func (c *Config) MiniGopSize() int {
	if c.PredStructure == PredLowDelayP {
		return 1
	}
	return 1 << c.HierarchicalLevels
}

// FrameRate returns the frame rate in frames per second.
func (c *Config) FrameRate() float64 {
	return float64(c.FrameRateNum) / float64(c.FrameRateDen)
}
