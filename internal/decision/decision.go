// Package decision implements the picture decision stage: it restores display
// order, detects scene changes, groups pictures into mini-GOPs, assigns
// prediction structures and reference picture sets, maintains the analysis
// reference queue and fans pictures out to motion estimation.
package decision

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/predstruct"
	"github.com/five82/vp9pipe/internal/refqueue"
	"github.com/five82/vp9pipe/internal/ring"
	"github.com/five82/vp9pipe/internal/scd"
)

// ErrUnsupportedHierarchy is returned for hierarchical levels no prediction
// structure or RPS table exists for.
var ErrUnsupportedHierarchy = predstruct.ErrUnsupportedHierarchy

// ErrShowExisting is returned when a hidden picture to be shown is no longer
// held in any DPB slot.
var ErrShowExisting = errors.New("show-existing picture not in DPB")

// Parent is a pooled parent control set.
type Parent = *fifo.Wrapper[picture.ParentControlSet]

// PaRef is a pooled analysis reference.
type PaRef = *fifo.Wrapper[picture.PaReference]

// Input is one analysed picture.
type Input struct {
	Parent Parent
}

// SegmentTask is one motion-estimation work unit. Own and Refs carry one
// hold each that the consumer must release.
type SegmentTask struct {
	Parent  Parent
	Segment int
	Own     PaRef
	Refs    []PaRef
}

// Release drops the task's holds on the analysis references.
func (t SegmentTask) Release() error {
	errs := []error{t.Own.Release()}
	for _, r := range t.Refs {
		errs = append(errs, r.Release())
	}
	return errors.Join(errs...)
}

// Output receives segment tasks.
type Output interface {
	Post(ctx context.Context, t SegmentTask) error
}

// LookAheadFeeder receives every picture once its prediction structure is
// known.
type LookAheadFeeder interface {
	AddLookAhead(p *picture.ParentControlSet)
}

// Hooks are optional notifications.
type Hooks struct {
	SceneChange func(poc int64)
	MiniGop     func(start, end int64, s *predstruct.Structure)
}

// Engine is the picture decision stage. It is driven by a single goroutine.
type Engine struct {
	scs      *config.SequenceControlSet
	log      *zap.Logger
	structs  *predstruct.Set
	detector *scd.Detector
	reorder  *ring.Ring[Parent]
	paQueue  *refqueue.Queue[PaRef]
	out      Output
	feeder   LookAheadFeeder
	hooks    Hooks

	prevStats picture.Stats
	havePrev  bool

	buffer     []Parent
	haveIntra  bool
	lastIntra  int64
	decodeBase int64
	rps        *rpsGenerator
	dpb        dpbShadow

	prevKey     predstruct.Key
	havePrevGop bool
	finished    bool
}

// New creates the picture decision stage.
func New(scs *config.SequenceControlSet, log *zap.Logger, out Output, feeder LookAheadFeeder, hooks Hooks) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	structs, err := predstruct.NewSet(config.MaxHierarchicalLevels)
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction structures: %w", err)
	}
	if _, err := structs.Lookup(scs.PredStructure, scs.HierarchicalLevels); err != nil {
		return nil, err
	}

	e := &Engine{
		scs:      scs,
		log:      log.Named("decision"),
		structs:  structs,
		detector: scd.New(scs),
		reorder:  ring.New[Parent](config.PictureDecisionReorderQueueDepth, 0),
		out:      out,
		feeder:   feeder,
		hooks:    hooks,
		rps:      newRPSGenerator(),
		dpb:      newDPBShadow(),
	}
	e.paQueue = refqueue.New[PaRef]("pa reference", config.PaReferenceQueueDepth, func(r PaRef) error {
		return r.Release()
	})
	e.prevStats.Regions = make([]picture.RegionHistogram, scs.RegionsPerWidth*scs.RegionsPerHeight)
	return e, nil
}

// PaQueue returns the analysis reference queue.
func (e *Engine) PaQueue() *refqueue.Queue[PaRef] { return e.paQueue }

// Finished reports whether the end-of-sequence picture has been emitted.
func (e *Engine) Finished() bool { return e.finished }

// Run processes inputs until the queue closes, the end of sequence has been
// emitted or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in *fifo.Queue[Input]) error {
	for !e.finished {
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
	return nil
}

// Process accepts one analysed picture in any order and emits every picture
// that became decidable.
func (e *Engine) Process(ctx context.Context, in Input) error {
	p := in.Parent.Object
	if err := e.reorder.Put(p.PictureNumber, in.Parent); err != nil {
		return fmt.Errorf("picture decision reorder: %w", err)
	}

	for {
		head, ok := e.reorder.Head()
		if !ok {
			return nil
		}
		hp := head.Object
		var next *picture.Stats
		if !hp.EndOfSequence {
			n, ok := e.reorder.Peek(hp.PictureNumber + 1)
			if ok {
				next = &n.Object.Stats
			} else if e.detector.Enabled() {
				// Scene-change detection needs the following picture.
				return nil
			}
		}
		e.reorder.Pop()
		if err := e.decide(ctx, head, next); err != nil {
			return err
		}
	}
}

func (e *Engine) decide(ctx context.Context, w Parent, next *picture.Stats) error {
	p := w.Object

	if e.havePrev && e.detector.Enabled() {
		res := e.detector.Detect(&e.prevStats, &p.Stats, next)
		p.SceneChange = res.SceneChange
		if res.SceneChange {
			e.log.Debug("scene change",
				zap.Int64("picture", p.PictureNumber),
				zap.Int("abrupt_regions", res.Abrupt),
				zap.Int("flash_regions", res.Flash),
				zap.Int("fade_regions", res.Fade))
			if e.hooks.SceneChange != nil {
				e.hooks.SceneChange(p.PictureNumber)
			}
		}
	}
	copyStats(&e.prevStats, &p.Stats)
	e.havePrev = true

	if e.isIntra(p) {
		p.IDR = true
		p.SliceType = picture.ISlice
		p.FrameType = picture.KeyFrame
		e.haveIntra = true
		e.lastIntra = p.PictureNumber
	}

	// Once flushed, p may be finished and recycled downstream.
	eos := p.EndOfSequence
	e.buffer = append(e.buffer, w)
	if p.IDR || eos || len(e.buffer) >= e.scs.MiniGopSize() {
		if err := e.flush(ctx); err != nil {
			return err
		}
	}
	if eos {
		e.finished = true
	}
	return nil
}

func (e *Engine) isIntra(p *picture.ParentControlSet) bool {
	if !e.haveIntra {
		return true
	}
	switch ip := e.scs.IntraPeriod; {
	case ip == 0:
		return true
	case ip > 0 && p.PictureNumber-e.lastIntra >= int64(ip+1):
		return true
	}
	return p.SceneChange
}

// flush partitions the pre-assignment buffer into mini-GOPs and emits them.
func (e *Engine) flush(ctx context.Context) error {
	pics := e.buffer
	e.buffer = e.buffer[:0:0]

	var intra Parent
	if last := pics[len(pics)-1]; last.Object.IDR {
		intra = last
		pics = pics[:len(pics)-1]
	}

	levels := e.scs.HierarchicalLevels
	if e.scs.PredStructure == config.PredLowDelayP {
		levels = 0
	}
	for _, span := range predstruct.Partition(len(pics), levels) {
		if err := e.emitMiniGop(ctx, pics[span.Start:span.End+1], span.Complete, span.Levels, false); err != nil {
			return err
		}
	}
	if intra != nil {
		if err := e.emitMiniGop(ctx, []Parent{intra}, false, 0, true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emitMiniGop(ctx context.Context, pics []Parent, complete bool, levels uint8, intra bool) error {
	var (
		s   *predstruct.Structure
		err error
	)
	if complete {
		s, err = e.structs.Lookup(config.PredRandomAccess, levels)
	} else {
		s, err = e.structs.Lookup(config.PredLowDelayP, 0)
	}
	if err != nil {
		return err
	}

	start := pics[0].Object.PictureNumber
	end := pics[len(pics)-1].Object.PictureNumber
	prevEnd := start - 1

	for i, w := range pics {
		p := w.Object
		idx := 0
		if complete {
			idx = i
		}
		entry := &s.Entries[idx]

		p.PredStruct = s
		p.PredEntry = idx
		p.HierarchicalLevels = s.Levels
		p.TemporalLayer = entry.TemporalLayer
		p.MiniGopStart, p.MiniGopEnd = start, end
		p.DecodeOrder = e.decodeBase + int64(entry.DecodeOrder)
		p.ShowFrame = !entry.Hidden
		p.ShowExisting = p.ShowExisting[:0]

		p.RefList0, p.RefList1 = p.RefList0[:0], p.RefList1[:0]
		p.DepList0 = append(p.DepList0[:0], entry.DepList0...)
		p.DepList1 = append(p.DepList1[:0], entry.DepList1...)
		if intra {
			continue
		}
		p.FrameType = picture.InterFrame
		for _, off := range entry.RefList0 {
			p.RefList0 = append(p.RefList0, p.PictureNumber-off)
		}
		for _, off := range entry.RefList1 {
			p.RefList1 = append(p.RefList1, p.PictureNumber-off)
		}
		if len(p.RefList1) > 0 {
			p.SliceType = picture.BSlice
		} else {
			p.SliceType = picture.PSlice
		}
	}

	// Dependencies may not cross an intra picture, and the previous
	// mini-GOP's cross-boundary dependencies were guessed from its own
	// structure.
	first := pics[0].Object
	if intra {
		first.CutFrom = start
		n := e.paQueue.CutFrom(start)
		e.log.Debug("intra dependency cut", zap.Int64("picture", start), zap.Int("removed", n))
	}
	if e.havePrevGop && s.Key() != e.prevKey {
		rb := &refqueue.Rebuild{BoundaryEnd: prevEnd}
		for _, w := range pics {
			p := w.Object
			for _, ref := range p.RefList0 {
				if ref <= prevEnd {
					rb.AddReference(ref, p.PictureNumber, refqueue.List0)
				}
			}
			for _, ref := range p.RefList1 {
				if ref <= prevEnd {
					rb.AddReference(ref, p.PictureNumber, refqueue.List1)
				}
			}
		}
		if err := e.paQueue.Rebuild(rb); err != nil {
			return fmt.Errorf("dependency rebuild at picture %d: %w", start, err)
		}
		first.Rebuild = rb
	}

	for _, w := range pics {
		p := w.Object
		if err := e.paQueue.Insert(p.PictureNumber, p.PaReference, p.DepList0, p.DepList1, true); err != nil {
			return err
		}
		// Analysis references are complete once analysis is.
		if err := e.paQueue.MarkAvailable(p.PictureNumber); err != nil {
			return err
		}
		if p.EndOfSequence {
			e.paQueue.CutAfter(p.PictureNumber)
		}
	}

	// Reference picture sets are assigned in decode order.
	byDecode := make([]Parent, len(pics))
	for _, w := range pics {
		byDecode[w.Object.DecodeOrder-e.decodeBase] = w
	}
	for _, w := range byDecode {
		p := w.Object
		rps, err := e.rps.assign(s, p.PredEntry, intra)
		if err != nil {
			return err
		}
		p.RPS = rps
		p.IsUsedAsReference = rps.RefreshFrameMask != 0
		e.dpb.refresh(rps.RefreshFrameMask, p.PictureNumber)
		if err := e.showExisting(pics, p); err != nil {
			return err
		}
	}
	if complete && !intra {
		e.rps.endMiniGop()
	}

	if e.feeder != nil {
		for _, w := range pics {
			e.feeder.AddLookAhead(w.Object)
		}
	}
	if e.hooks.MiniGop != nil {
		e.hooks.MiniGop(start, end, s)
	}
	e.log.Debug("mini-gop",
		zap.Int64("start", start),
		zap.Int64("end", end),
		zap.Stringer("structure", s),
		zap.Bool("intra", intra))

	for _, w := range byDecode {
		if err := e.fanOut(ctx, w); err != nil {
			return err
		}
	}
	if _, err := e.paQueue.Sweep(); err != nil {
		return fmt.Errorf("pa reference release: %w", err)
	}

	e.decodeBase += int64(len(pics))
	e.prevKey = s.Key()
	e.havePrevGop = true
	return nil
}

// showExisting lists the hidden pictures that follow a shown picture in
// display order and are already decoded.
func (e *Engine) showExisting(pics []Parent, p *picture.ParentControlSet) error {
	if !p.ShowFrame || p.PredStruct.Type != config.PredRandomAccess {
		return nil
	}
	start := pics[0].Object.PictureNumber
	for i := p.PictureNumber - start + 1; i < int64(len(pics)) && len(p.ShowExisting) < picture.MaxShowExisting; i++ {
		h := pics[i].Object
		if h.ShowFrame || h.DecodeOrder > p.DecodeOrder {
			break
		}
		slot, ok := e.dpb.find(h.PictureNumber)
		if !ok {
			return fmt.Errorf("%w: picture %d after %d", ErrShowExisting, h.PictureNumber, p.PictureNumber)
		}
		p.ShowExisting = append(p.ShowExisting, slot)
	}
	return nil
}

// fanOut resolves a picture's analysis references and posts one task per
// motion-estimation segment.
func (e *Engine) fanOut(ctx context.Context, w Parent) error {
	p := w.Object
	segments := e.scs.SegmentsPerPicture()
	hold := func(r PaRef) { r.IncLiveCount(segments) }

	var refs []PaRef
	for _, ref := range p.RefList0 {
		r, err := e.paQueue.Acquire(ref, p.PictureNumber, refqueue.List0, hold)
		if err != nil {
			return err
		}
		refs = append(refs, r)
	}
	for _, ref := range p.RefList1 {
		r, err := e.paQueue.Acquire(ref, p.PictureNumber, refqueue.List1, hold)
		if err != nil {
			return err
		}
		refs = append(refs, r)
	}

	p.PaReference.IncLiveCount(segments)
	p.SegmentsRemaining.Store(int32(segments))
	for seg := 0; seg < segments; seg++ {
		t := SegmentTask{Parent: w, Segment: seg, Own: p.PaReference, Refs: refs}
		if err := e.out.Post(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func copyStats(dst, src *picture.Stats) {
	regions := dst.Regions
	*dst = *src
	dst.Regions = append(regions[:0], src.Regions...)
}
