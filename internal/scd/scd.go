// Package scd detects scene changes from per-region histogram differences
// over a three picture window.
package scd

import (
	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/picture"
)

// Detection thresholds. Region thresholds are per 64x64 block of the region.
const (
	SceneTh               = 3000
	NoisySceneTh          = 4500
	NoiseVarianceTh       = 390
	HighPictureVarianceTh = 1500
	FlashTh               = 5
	FadeTh                = 3
)

// Class is the classification of one region.
type Class uint8

const (
	Stable Class = iota
	Abrupt
	Flash
	Fade
)

// Result summarises one detection.
type Result struct {
	SceneChange bool
	Abrupt      int // regions classified as a cut
	Flash       int
	Fade        int
	Regions     int
}

// Detector keeps the running AHD averages between pictures. It is not safe
// for concurrent use; the picture decision stage owns one.
type Detector struct {
	mode    config.SceneChangeMode
	regions int
	blocks  uint32

	avg         [3][]uint32
	initialized bool
}

// New creates a detector for the region grid of scs.
func New(scs *config.SequenceControlSet) *Detector {
	regions := int(scs.RegionsPerWidth * scs.RegionsPerHeight)
	rw := scs.Width / scs.RegionsPerWidth
	rh := scs.Height / scs.RegionsPerHeight
	d := &Detector{
		mode:    scs.SceneChangeMode,
		regions: regions,
		blocks:  max(rw*rh/(64*64), 1),
	}
	for c := range d.avg {
		d.avg[c] = make([]uint32, regions)
	}
	return d
}

// Enabled reports whether detection runs at all.
func (d *Detector) Enabled() bool { return d.mode != config.SCDOff }

// Detect classifies cur against prev and next. next may be nil at end of
// sequence, in which case flash and fade cannot be told apart from a cut.
func (d *Detector) Detect(prev, cur, next *picture.Stats) Result {
	res := Result{Regions: d.regions}
	if !d.Enabled() || prev == nil || len(cur.Regions) < d.regions || len(prev.Regions) < d.regions {
		return res
	}

	th := uint32(SceneTh)
	if cur.NoiseVariance > NoiseVarianceTh || cur.Variance > HighPictureVarianceTh {
		th = NoisySceneTh
	}
	th *= d.blocks
	thChroma := th / 4

	ahd := [3][]uint32{make([]uint32, d.regions), make([]uint32, d.regions), make([]uint32, d.regions)}
	for r := 0; r < d.regions; r++ {
		p, c := &prev.Regions[r], &cur.Regions[r]
		ahd[0][r] = histogramDiff(p.Y[:], c.Y[:])
		ahd[1][r] = histogramDiff(p.Cb[:], c.Cb[:])
		ahd[2][r] = histogramDiff(p.Cr[:], c.Cr[:])
	}
	if !d.initialized {
		for c := range d.avg {
			copy(d.avg[c], ahd[c])
		}
		d.initialized = true
	}

	for r := 0; r < d.regions; r++ {
		abrupt := changed(ahd[0][r], d.avg[0][r], th) ||
			changed(ahd[1][r], d.avg[1][r], thChroma) ||
			changed(ahd[2][r], d.avg[2][r], thChroma)
		if !abrupt {
			continue
		}
		switch classify(prev.AverageIntensity, cur.AverageIntensity, next) {
		case Flash:
			res.Flash++
		case Fade:
			res.Fade++
		default:
			res.Abrupt++
		}
	}

	pct := 50
	if d.mode == config.SCDStrict {
		pct = 75
	}
	res.SceneChange = res.Abrupt*100 > d.regions*pct

	for c := range d.avg {
		for r := range d.avg[c] {
			if res.SceneChange {
				d.avg[c][r] = ahd[c][r]
			} else {
				d.avg[c][r] = (3*d.avg[c][r] + ahd[c][r]) / 4
			}
		}
	}
	return res
}

// changed reports an abrupt change: the AHD deviates from its running average
// by more than th and the deviation is not larger than the AHD itself.
func changed(ahd, avg, th uint32) bool {
	dev := absDiff(ahd, avg)
	return dev > th && ahd >= dev
}

func classify(past, present uint8, next *picture.Stats) Class {
	if next == nil {
		return Abrupt
	}
	futurePast := int(next.AverageIntensity) - int(past)
	futurePresent := int(next.AverageIntensity) - int(present)
	presentPast := int(present) - int(past)

	switch {
	case abs(futurePast) < FlashTh && abs(futurePresent) >= FlashTh && abs(presentPast) >= FlashTh:
		return Flash
	case abs(futurePresent) >= FadeTh && abs(presentPast) >= FadeTh &&
		(futurePresent > 0) == (presentPast > 0):
		return Fade
	default:
		return Abrupt
	}
}

func histogramDiff(a, b []uint32) uint32 {
	var sum uint32
	for i := range a {
		sum += absDiff(a[i], b[i])
	}
	return sum
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
