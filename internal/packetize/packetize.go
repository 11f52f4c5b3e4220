// Package packetize implements the packetization stage. Coded pictures
// arrive in any order, are packed, and leave in decode order after their
// display order has been checked against a shadow of the decoder's
// reference slots.
package packetize

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/entropy"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/ratecontrol"
	"github.com/five82/vp9pipe/internal/ring"
)

// ErrContinuity is returned when the displayed pictures of the stream skip
// or repeat a picture.
var ErrContinuity = errors.New("display order continuity broken")

// Child is a pooled child control set.
type Child = *fifo.Wrapper[picture.ControlSet]

// Packet is the output of one coded picture: its frame plus the
// show-existing headers that follow it.
type Packet struct {
	PictureNumber int64
	DecodeOrder   int64
	FrameType     picture.FrameType
	SliceType     picture.SliceType
	TemporalLayer int
	QP            uint8
	ShowFrame     bool
	EndOfSequence bool

	Frame        []byte
	ShowExisting [][]byte
	Displayed    []int64 // pictures this packet makes visible, in order
}

// Bits returns the packet size in bits.
func (p *Packet) Bits() int64 {
	n := len(p.Frame)
	for _, h := range p.ShowExisting {
		n += len(h)
	}
	return int64(n) * 8
}

// FramePacker writes frame payloads and show-existing headers.
type FramePacker interface {
	PackFrame(c *picture.ControlSet) ([]byte, error)
	PackShowExisting(slot uint8) []byte
}

// Output receives packets in decode order and the rate control feedback of
// each.
type Output interface {
	PostPacket(ctx context.Context, p Packet) error
	Feedback(ctx context.Context, fb ratecontrol.Feedback) error
}

// BufferModel is updated with the size of each packet.
type BufferModel interface {
	Update(bits int64)
}

// Stats summarize the packets written.
type Stats struct {
	Packets      int
	Bits         int64
	Displayed    int64
	ShowExisting int
}

type pending struct {
	child Child
	frame []byte
}

// Engine is the packetization stage. It is driven by a single goroutine.
type Engine struct {
	log        *zap.Logger
	packer     FramePacker
	buffer     BufferModel
	out        Output
	reorder    *ring.Ring[pending]
	dpb        DPBShadow
	continuity Continuity
	stats      Stats

	// The stream starts with a key frame at its lowest picture number.
	first    int64
	eos      int64
	eosSeen  bool
	finished bool
}

// New creates the packetization stage. buffer may be nil.
func New(log *zap.Logger, packer FramePacker, buffer BufferModel, out Output) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:     log.Named("packetize"),
		packer:  packer,
		buffer:  buffer,
		out:     out,
		reorder: ring.New[pending](config.PacketizationReorderQueueDepth, 0),
		dpb:     NewDPBShadow(),
	}
}

// DPB returns the reference slot shadow.
func (e *Engine) DPB() DPBShadow { return e.dpb }

// Stats returns the packets written so far.
func (e *Engine) Stats() Stats { return e.stats }

// Finished reports whether every picture up to the end of sequence has been
// written.
func (e *Engine) Finished() bool { return e.finished }

// Run processes coded pictures until the queue closes, the end of sequence
// has been written or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in *fifo.Queue[entropy.Result]) error {
	for !e.finished {
		r, ok, err := in.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.Process(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Process packs one coded picture and writes every packet that is next in
// decode order.
func (e *Engine) Process(ctx context.Context, r entropy.Result) error {
	c := r.Child.Object
	frame, err := e.packer.PackFrame(c)
	if err != nil {
		return fmt.Errorf("packing picture %d: %w", c.PictureNumber, err)
	}
	if err := e.reorder.Put(c.DecodeOrder, pending{child: r.Child, frame: frame}); err != nil {
		return fmt.Errorf("packetization reorder: %w", err)
	}
	return e.reorder.Drain(func(_ int64, pd pending) error { return e.write(ctx, pd) })
}

func (e *Engine) write(ctx context.Context, pd pending) error {
	c := pd.child.Object
	p := c.PPCS()

	e.dpb.Apply(p.FrameType, p.RPS.RefreshFrameMask, p.DecodeOrder, p.PictureNumber)

	pkt := Packet{
		PictureNumber: p.PictureNumber,
		DecodeOrder:   p.DecodeOrder,
		FrameType:     p.FrameType,
		SliceType:     p.SliceType,
		TemporalLayer: p.TemporalLayer,
		QP:            c.QP,
		ShowFrame:     p.ShowFrame,
		EndOfSequence: p.EndOfSequence,
		Frame:         pd.frame,
	}
	if p.ShowFrame {
		pkt.Displayed = append(pkt.Displayed, p.PictureNumber)
	}
	for _, slot := range p.ShowExisting {
		poc, err := e.dpb.Resolve(slot)
		if err != nil {
			return fmt.Errorf("picture %d show existing: %w", p.PictureNumber, err)
		}
		pkt.ShowExisting = append(pkt.ShowExisting, e.packer.PackShowExisting(slot))
		pkt.Displayed = append(pkt.Displayed, poc)
	}
	for _, poc := range pkt.Displayed {
		if err := e.continuity.Show(poc); err != nil {
			return err
		}
	}

	bits := pkt.Bits()
	if e.buffer != nil {
		e.buffer.Update(bits)
	}
	e.stats.Packets++
	e.stats.Bits += bits
	e.stats.Displayed = e.continuity.Count()
	e.stats.ShowExisting += len(pkt.ShowExisting)

	if err := e.out.Feedback(ctx, ratecontrol.Feedback{PictureNumber: p.PictureNumber, Bits: bits}); err != nil {
		return err
	}
	e.log.Debug("packet",
		zap.Int64("picture", pkt.PictureNumber),
		zap.Int64("decode_order", pkt.DecodeOrder),
		zap.Int64("bits", bits),
		zap.Int("show_existing", len(pkt.ShowExisting)))
	if err := e.out.PostPacket(ctx, pkt); err != nil {
		return err
	}

	if e.stats.Packets == 1 {
		e.first = p.PictureNumber
	}
	if pkt.EndOfSequence {
		e.eos, e.eosSeen = p.PictureNumber, true
	}
	if e.eosSeen && int64(e.stats.Packets) == e.eos-e.first+1 {
		e.finished = true
	}
	return release(pd.child)
}

// release drops the child's hold on its own reference and returns the
// child and then the parent to their pools.
func release(cw Child) error {
	c := cw.Object
	pw := c.Parent
	var errs []error
	if c.Reference != nil {
		errs = append(errs, c.Reference.Release())
	}
	errs = append(errs, c.ReleaseReferences())
	errs = append(errs, pw.Object.UnbindChild())
	errs = append(errs, cw.Release())
	if err := pw.Object.CheckRelease(); err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, pw.Release())
	}
	return errors.Join(errs...)
}
