package ratecontrol

import (
	"fmt"

	"github.com/five82/vp9pipe/internal/config"
)

// Strategy holds the QP and bit allocation policy of one tuning mode.
type Strategy struct {
	Tune config.Tune

	// QP offsets relative to the base QP.
	IntraQPOffset int
	LayerQPOffset [config.MaxTemporalLayers]int

	// IntraBitsFactor is the intra picture budget in average frames.
	IntraBitsFactor float64

	// BestPredBand bounds the frame-level QP around the high-level
	// prediction.
	BestPredBand int
}

var strategies = map[config.Tune]Strategy{
	config.TuneSQ: {
		Tune:            config.TuneSQ,
		IntraQPOffset:   -3,
		LayerQPOffset:   [config.MaxTemporalLayers]int{0, 1, 3, 4, 5, 6},
		IntraBitsFactor: 5,
		BestPredBand:    8,
	},
	config.TuneOQ: {
		Tune:            config.TuneOQ,
		IntraQPOffset:   -4,
		LayerQPOffset:   [config.MaxTemporalLayers]int{0, 2, 3, 4, 5, 6},
		IntraBitsFactor: 6,
		BestPredBand:    8,
	},
	config.TuneVMAF: {
		Tune:            config.TuneVMAF,
		IntraQPOffset:   -2,
		LayerQPOffset:   [config.MaxTemporalLayers]int{0, 1, 2, 3, 4, 5},
		IntraBitsFactor: 4,
		BestPredBand:    6,
	},
}

// StrategyFor returns the strategy of tune.
func StrategyFor(tune config.Tune) (Strategy, error) {
	s, ok := strategies[tune]
	if !ok {
		return Strategy{}, fmt.Errorf("no rate control strategy for tune %s", tune)
	}
	return s, nil
}

// QPOffset returns the QP offset of a picture.
func (s Strategy) QPOffset(layer int, intra bool) int {
	if intra {
		return s.IntraQPOffset
	}
	return s.LayerQPOffset[min(max(layer, 0), config.MaxTemporalLayers-1)]
}

// layerShares is the percentage of a mini-GOP budget given to each temporal
// layer, indexed by layer count then layer.
var layerShares = [config.MaxTemporalLayers][config.MaxTemporalLayers]float64{
	{100},
	{70, 30},
	{60, 20, 20},
	{55, 15, 15, 15},
	{50, 12, 12, 12, 14},
	{40, 12, 12, 12, 12, 12},
}

// LayerShare returns the fraction of a mini-GOP budget spent on layer when
// the pyramid has layers temporal layers.
func LayerShare(layers, layer int) float64 {
	if layers < 1 || layers > config.MaxTemporalLayers || layer < 0 || layer >= layers {
		return 0
	}
	return layerShares[layers-1][layer] / 100
}

// framesInLayer returns the number of pictures of layer in one mini-GOP.
func framesInLayer(layer int) int {
	if layer == 0 {
		return 1
	}
	return 1 << (layer - 1)
}
