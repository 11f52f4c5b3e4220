package packetize

import (
	"fmt"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/picture"
)

// DPBShadow mirrors which picture each reference slot of the decoder holds.
type DPBShadow struct {
	DecodeOrder  [config.DPBSize]int64
	DisplayOrder [config.DPBSize]int64
}

// NewDPBShadow returns a shadow with every slot empty.
func NewDPBShadow() DPBShadow {
	var d DPBShadow
	for i := range d.DecodeOrder {
		d.DecodeOrder[i] = -1
		d.DisplayOrder[i] = -1
	}
	return d
}

// Apply records a coded picture. A key frame fills every slot, any other
// frame only the slots of its refresh mask.
func (d *DPBShadow) Apply(ft picture.FrameType, refresh uint8, decodeOrder, poc int64) {
	for i := range d.DecodeOrder {
		if ft == picture.KeyFrame || refresh&(1<<i) != 0 {
			d.DecodeOrder[i] = decodeOrder
			d.DisplayOrder[i] = poc
		}
	}
}

// Resolve returns the display order of the picture held in slot.
func (d *DPBShadow) Resolve(slot uint8) (int64, error) {
	if int(slot) >= len(d.DisplayOrder) || d.DisplayOrder[slot] < 0 {
		return 0, fmt.Errorf("%w: slot %d is empty", ErrContinuity, slot)
	}
	return d.DisplayOrder[slot], nil
}

// Continuity checks that displayed pictures advance by exactly one.
type Continuity struct {
	next    int64
	started bool
	count   int64
}

// Show records one displayed picture.
func (c *Continuity) Show(poc int64) error {
	if c.started && poc != c.next {
		return fmt.Errorf("%w: displayed picture %d, expected %d", ErrContinuity, poc, c.next)
	}
	c.started = true
	c.next = poc + 1
	c.count++
	return nil
}

// Count returns the number of pictures displayed so far.
func (c *Continuity) Count() int64 { return c.count }
