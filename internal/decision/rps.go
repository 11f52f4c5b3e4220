package decision

import (
	"fmt"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/predstruct"
)

// slotRole names a DPB slot relative to the current mini-GOP. The two base
// roles ping-pong between slots 0 and 3 every random-access mini-GOP.
type slotRole uint8

const (
	roleNone  slotRole = iota
	roleBase0          // current base
	roleBase1          // previous base
	roleSlot1
	roleSlot2
	roleSlot4
)

// rpsRow is one RPS table entry: the LAST and ALTREF slots read and the slot
// refreshed. GOLDEN always equals LAST.
type rpsRow struct {
	last, alt, refresh slotRole
}

// rpsTables is indexed by hierarchical levels, then display position within
// the mini-GOP.
var rpsTables = map[uint8][]rpsRow{
	1: {
		{roleBase1, roleBase0, roleNone},
		{roleBase1, roleBase1, roleBase0},
	},
	2: {
		{roleBase1, roleSlot1, roleNone},
		{roleBase1, roleBase0, roleSlot1},
		{roleSlot1, roleBase0, roleNone},
		{roleBase1, roleBase1, roleBase0},
	},
	3: {
		{roleBase1, roleSlot2, roleNone},
		{roleBase1, roleSlot1, roleSlot2},
		{roleSlot2, roleSlot1, roleNone},
		{roleBase1, roleBase0, roleSlot1},
		{roleSlot1, roleSlot2, roleNone},
		{roleSlot1, roleBase0, roleSlot2},
		{roleSlot2, roleBase0, roleNone},
		{roleBase1, roleBase1, roleBase0},
	},
	4: {
		{roleBase1, roleSlot4, roleNone},
		{roleBase1, roleSlot2, roleSlot4},
		{roleSlot4, roleSlot2, roleNone},
		{roleBase1, roleSlot1, roleSlot2},
		{roleSlot2, roleSlot4, roleNone},
		{roleSlot2, roleSlot1, roleSlot4},
		{roleSlot4, roleSlot1, roleNone},
		{roleBase1, roleBase0, roleSlot1},
		{roleSlot1, roleSlot4, roleNone},
		{roleSlot1, roleSlot2, roleSlot4},
		{roleSlot4, roleSlot2, roleNone},
		{roleSlot1, roleBase0, roleSlot2},
		{roleSlot2, roleSlot4, roleNone},
		{roleSlot2, roleBase0, roleSlot4},
		{roleSlot4, roleBase0, roleNone},
		{roleBase1, roleBase1, roleBase0},
	},
}

// rpsGenerator assigns reference picture sets in decode order.
type rpsGenerator struct {
	toggle   int   // selects the current base slot of a random-access mini-GOP
	lastSlot uint8 // slot holding the most recently displayed-order picture
}

func newRPSGenerator() *rpsGenerator {
	return &rpsGenerator{toggle: 1}
}

func (g *rpsGenerator) slot(r slotRole) uint8 {
	base0, base1 := uint8(0), uint8(3)
	if g.toggle != 0 {
		base0, base1 = 3, 0
	}
	switch r {
	case roleBase0:
		return base0
	case roleBase1:
		return base1
	case roleSlot1:
		return 1
	case roleSlot2:
		return 2
	case roleSlot4:
		return 4
	default:
		return 0
	}
}

// key returns the RPS of a key frame: every slot is refreshed.
func (g *rpsGenerator) key() picture.RPS {
	g.toggle = 1
	g.lastSlot = 0
	return picture.RPS{RefreshFrameMask: 0xFF}
}

// lowDelay returns the RPS of a low-delay P picture: read the last slot,
// write slot 0.
func (g *rpsGenerator) lowDelay() picture.RPS {
	rps := picture.RPS{
		RefDPBIndex:      [3]uint8{g.lastSlot, g.lastSlot, g.lastSlot},
		RefreshFrameMask: 1,
	}
	g.toggle = 1
	g.lastSlot = 0
	return rps
}

// hierarchical returns the RPS of display position idx of a random-access
// mini-GOP with the given levels.
func (g *rpsGenerator) hierarchical(levels uint8, idx int) (picture.RPS, error) {
	table, ok := rpsTables[levels]
	if !ok || idx < 0 || idx >= len(table) {
		return picture.RPS{}, fmt.Errorf("%w: no RPS for %d levels position %d",
			predstruct.ErrUnsupportedHierarchy, levels, idx)
	}
	row := table[idx]
	rps := picture.RPS{
		RefDPBIndex: [3]uint8{g.slot(row.last), g.slot(row.last), g.slot(row.alt)},
	}
	if row.refresh != roleNone {
		rps.RefreshFrameMask = 1 << g.slot(row.refresh)
	}
	return rps, nil
}

// endMiniGop advances the toggle after a random-access mini-GOP.
func (g *rpsGenerator) endMiniGop() {
	g.lastSlot = g.slot(roleBase0)
	g.toggle ^= 1
}

// assign returns the RPS of the picture at entry idx of s.
func (g *rpsGenerator) assign(s *predstruct.Structure, idx int, intra bool) (picture.RPS, error) {
	switch {
	case intra:
		return g.key(), nil
	case s.Type == config.PredLowDelayP:
		return g.lowDelay(), nil
	default:
		return g.hierarchical(s.Levels, idx)
	}
}

// dpbShadow tracks which picture each DPB slot holds.
type dpbShadow [config.DPBSize]int64

func newDPBShadow() dpbShadow {
	var d dpbShadow
	for i := range d {
		d[i] = -1
	}
	return d
}

func (d *dpbShadow) refresh(mask uint8, poc int64) {
	for i := range d {
		if mask&(1<<i) != 0 {
			d[i] = poc
		}
	}
}

func (d *dpbShadow) find(poc int64) (uint8, bool) {
	for i, p := range d {
		if p == poc {
			return uint8(i), true
		}
	}
	return 0, false
}
