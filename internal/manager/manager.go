// Package manager implements the picture manager stage. It restores picture
// order, tracks reconstructed references, and creates a child control set
// for each picture once every reference it reads is final.
package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/refqueue"
	"github.com/five82/vp9pipe/internal/ring"
)

// Parent is a pooled parent control set.
type Parent = *fifo.Wrapper[picture.ParentControlSet]

// Child is a pooled child control set.
type Child = *fifo.Wrapper[picture.ControlSet]

// Ref is a pooled reconstructed reference.
type Ref = *fifo.Wrapper[picture.Reference]

// Kind is the type of a demux result.
type Kind uint8

const (
	// KindInput carries a parent control set leaving motion estimation.
	KindInput Kind = iota
	// KindReference reports that a picture's reconstruction is final.
	KindReference
	// KindFeedback reports that rate control has consumed a picture's
	// packetization feedback.
	KindFeedback
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindReference:
		return "reference"
	case KindFeedback:
		return "feedback"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DemuxResult is one picture manager input.
type DemuxResult struct {
	Kind          Kind
	Parent        Parent // KindInput only
	PictureNumber int64
}

// Output receives child control sets.
type Output interface {
	PostChild(ctx context.Context, c Child) error
}

// Engine is the picture manager stage. It is driven by a single goroutine.
type Engine struct {
	scs        *config.SequenceControlSet
	log        *zap.Logger
	reorder    *ring.Ring[Parent]
	pending    []Parent
	refQueue   *refqueue.Queue[Ref]
	children   *fifo.Pool[picture.ControlSet]
	references *fifo.Pool[picture.Reference]
	out        Output

	created  int64
	finished bool
}

// New creates the picture manager stage.
func New(scs *config.SequenceControlSet, log *zap.Logger, children *fifo.Pool[picture.ControlSet],
	references *fifo.Pool[picture.Reference], out Output) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		scs:        scs,
		log:        log.Named("manager"),
		reorder:    ring.New[Parent](config.PictureManagerReorderQueueDepth, 0),
		refQueue:   refqueue.New[Ref]("reference", config.ReferenceQueueDepth, releaseRef),
		children:   children,
		references: references,
		out:        out,
	}
}

func releaseRef(r Ref) error {
	if r == nil {
		return nil
	}
	return r.Release()
}

// RefQueue returns the reconstructed reference queue.
func (e *Engine) RefQueue() *refqueue.Queue[Ref] { return e.refQueue }

// Pending returns the number of pictures waiting for references.
func (e *Engine) Pending() int { return len(e.pending) }

// Finished reports whether the end-of-sequence picture has been released.
func (e *Engine) Finished() bool { return e.finished }

// Run processes inputs until the queue closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in *fifo.Queue[DemuxResult]) error {
	for {
		v, ok, err := in.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.Process(ctx, v); err != nil {
			return err
		}
	}
}

// Process handles one input and releases every picture that became ready.
func (e *Engine) Process(ctx context.Context, r DemuxResult) error {
	switch r.Kind {
	case KindInput:
		if err := e.reorder.Put(r.Parent.Object.PictureNumber, r.Parent); err != nil {
			return fmt.Errorf("picture manager reorder: %w", err)
		}
		if err := e.reorder.Drain(func(_ int64, w Parent) error { return e.admit(w) }); err != nil {
			return err
		}
	case KindReference:
		if err := e.refQueue.MarkAvailable(r.PictureNumber); err != nil {
			return err
		}
	case KindFeedback:
		// References nobody waits for may already be gone.
		if err := e.refQueue.MarkFeedback(r.PictureNumber); err != nil && !errors.Is(err, refqueue.ErrUnknownPicture) {
			return err
		}
	default:
		return fmt.Errorf("picture manager: unknown input %s", r.Kind)
	}

	if err := e.schedule(ctx); err != nil {
		return err
	}
	if _, err := e.refQueue.Sweep(); err != nil {
		return fmt.Errorf("reference release: %w", err)
	}
	return nil
}

// admit enters a picture, in picture order, into the reference queue and the
// pending list.
func (e *Engine) admit(w Parent) error {
	p := w.Object
	if p.CutFrom >= 0 {
		e.refQueue.CutFrom(p.CutFrom)
	}
	if err := e.refQueue.Rebuild(p.Rebuild); err != nil {
		return fmt.Errorf("reference dependency rebuild at picture %d: %w", p.PictureNumber, err)
	}
	if err := e.refQueue.Insert(p.PictureNumber, nil, p.DepList0, p.DepList1, false); err != nil {
		return err
	}
	if p.EndOfSequence {
		e.refQueue.CutAfter(p.PictureNumber)
	}
	e.pending = append(e.pending, w)
	return nil
}

// ready reports whether every reference of p may be read.
func (e *Engine) ready(p *picture.ParentControlSet) bool {
	for _, list := range [][]int64{p.RefList0, p.RefList1} {
		for _, ref := range list {
			if !e.refQueue.Ready(ref, e.scs.RequireReferenceFeedback) {
				return false
			}
		}
	}
	return true
}

// schedule creates a child for every pending picture whose references are
// ready.
func (e *Engine) schedule(ctx context.Context) error {
	kept := e.pending[:0]
	for _, w := range e.pending {
		if !e.ready(w.Object) {
			kept = append(kept, w)
			continue
		}
		if err := e.release(ctx, w); err != nil {
			return err
		}
	}
	clear(e.pending[len(kept):])
	e.pending = kept
	return nil
}

func (e *Engine) release(ctx context.Context, w Parent) error {
	p := w.Object
	cw, err := e.children.GetEmpty(ctx)
	if err != nil {
		return err
	}
	if err := e.fill(ctx, w, cw); err != nil {
		return errors.Join(err, discard(cw))
	}

	e.created++
	if p.EndOfSequence {
		e.finished = true
	}
	e.log.Debug("child created",
		zap.Int64("picture", p.PictureNumber),
		zap.Int64("decode_order", p.DecodeOrder),
		zap.Int("references", len(cw.Object.Snapshots)))
	return e.out.PostChild(ctx, cw)
}

// fill binds cw to w and takes holds on every reference it reads. On error
// cw records what was taken so discard can return it.
func (e *Engine) fill(ctx context.Context, w Parent, cw Child) error {
	p := w.Object
	if err := p.BindChild(); err != nil {
		return err
	}

	c := cw.Object
	c.Parent = w
	c.PictureNumber = p.PictureNumber
	c.DecodeOrder = p.DecodeOrder
	c.SliceType = p.SliceType
	c.TemporalLayer = p.TemporalLayer

	hold := func(r Ref) {
		if r != nil {
			r.IncLiveCount(1)
		}
	}
	for i, list := range [][]int64{p.RefList0, p.RefList1} {
		for _, ref := range list {
			r, err := e.refQueue.Acquire(ref, p.PictureNumber, refqueue.List(i), hold)
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("%w: picture %d references %d which holds no reconstruction",
					refqueue.ErrUnknownPicture, p.PictureNumber, ref)
			}
			if i == 0 {
				c.RefList0 = append(c.RefList0, r)
			} else {
				c.RefList1 = append(c.RefList1, r)
			}
			c.Snapshots = append(c.Snapshots, picture.RefSnapshot{
				PictureNumber: r.Object.PictureNumber,
				QP:            r.Object.QP,
				SliceType:     r.Object.SliceType,
				TemporalLayer: r.Object.TemporalLayer,
			})
		}
	}

	if p.IsUsedAsReference {
		rw, err := e.references.GetEmpty(ctx)
		if err != nil {
			return err
		}
		rw.Object.PictureNumber = p.PictureNumber
		rw.Object.DecodeOrder = p.DecodeOrder
		rw.Object.SliceType = p.SliceType
		rw.Object.TemporalLayer = p.TemporalLayer
		if err := e.refQueue.SetPayload(p.PictureNumber, rw); err != nil {
			return errors.Join(err, rw.Release())
		}
		// One hold for the queue, one for the child.
		rw.IncLiveCount(1)
		c.Reference = rw
	} else if err := e.refQueue.MarkAvailable(p.PictureNumber); err != nil {
		return err
	}
	return e.refQueue.EnableRelease(p.PictureNumber)
}

// discard returns a child that could not be completed to its pool along with
// the holds it took.
func discard(cw Child) error {
	c := cw.Object
	errs := []error{c.ReleaseReferences()}
	if c.Reference != nil {
		errs = append(errs, c.Reference.Release())
	}
	if c.Parent != nil {
		errs = append(errs, c.PPCS().UnbindChild())
	}
	errs = append(errs, cw.Release())
	return errors.Join(errs...)
}
