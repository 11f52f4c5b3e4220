package picture

import (
	"errors"
	"sync/atomic"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
)

// RefSnapshot is the state of a reference picture captured when the child
// control set was created.
type RefSnapshot struct {
	PictureNumber int64
	QP            uint8
	SliceType     SliceType
	TemporalLayer int
}

// ControlSet is the encode-time control block of one picture. It is created
// by the picture manager once every reference is available and lives until
// packetization.
type ControlSet struct {
	Parent *fifo.Wrapper[ParentControlSet]

	PictureNumber int64
	DecodeOrder   int64
	SliceType     SliceType
	TemporalLayer int
	QP            uint8

	// Own reconstructed reference, nil for non-reference pictures.
	Reference *fifo.Wrapper[Reference]

	// Held reference pictures and their snapshots.
	RefList0  []*fifo.Wrapper[Reference]
	RefList1  []*fifo.Wrapper[Reference]
	Snapshots []RefSnapshot

	RowSync  *RowSync
	RowBits  []atomic.Int64
	Bits     atomic.Int64
	RowsDone atomic.Int32
}

// PPCS returns the parent control set.
func (c *ControlSet) PPCS() *ParentControlSet { return c.Parent.Object }

// Reset clears the control set for reuse.
func (c *ControlSet) Reset() {
	c.Parent = nil
	c.PictureNumber, c.DecodeOrder = 0, 0
	c.SliceType, c.TemporalLayer, c.QP = ISlice, 0, 0
	c.Reference = nil
	c.RefList0, c.RefList1 = c.RefList0[:0], c.RefList1[:0]
	c.Snapshots = c.Snapshots[:0]
	c.RowSync.Reset()
	for i := range c.RowBits {
		c.RowBits[i].Store(0)
	}
	c.Bits.Store(0)
	c.RowsDone.Store(0)
}

// ReleaseReferences drops the holds on the reference pictures.
func (c *ControlSet) ReleaseReferences() error {
	var errs []error
	for _, list := range [][]*fifo.Wrapper[Reference]{c.RefList0, c.RefList1} {
		for _, r := range list {
			if err := r.Release(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.RefList0, c.RefList1 = c.RefList0[:0], c.RefList1[:0]
	return errors.Join(errs...)
}

// NewControlPool creates the child control set pool for scs.
func NewControlPool(scs *config.SequenceControlSet, size int) (*fifo.Pool[ControlSet], error) {
	rows := int(scs.SBRows)
	return fifo.NewPool("control set", size, func() (*ControlSet, error) {
		return &ControlSet{
			RowSync: NewRowSync(rows),
			RowBits: make([]atomic.Int64, rows),
		}, nil
	}, (*ControlSet).Reset)
}
