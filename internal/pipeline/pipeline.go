// Package pipeline builds the pools and queues of one encode session, wires
// the stages together and runs them until the last packet has been written
// and its rate control feedback consumed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/decision"
	"github.com/five82/vp9pipe/internal/entropy"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/manager"
	"github.com/five82/vp9pipe/internal/packetize"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/ratecontrol"
)

// ErrLeak is returned by Idle when control sets are still held after a
// session ended.
var ErrLeak = errors.New("control sets not returned to their pools")

// ErrIncomplete is returned when the session stopped before every stage
// reached the end of the sequence.
var ErrIncomplete = errors.New("session stopped before end of sequence")

// Analyzer fills the analysis statistics of a source picture.
type Analyzer interface {
	Analyze(p *picture.ParentControlSet, pa *picture.PaReference) error
}

// MotionEstimator searches one segment of a picture against its analysis
// references and returns the best SAD.
type MotionEstimator interface {
	EstimateSegment(t decision.SegmentTask) (uint64, error)
}

// Reconstructor reconstructs one superblock row and returns its checksum.
type Reconstructor interface {
	ReconstructRow(c *picture.ControlSet, row int) uint64
}

// PacketSink receives packets in decode order.
type PacketSink interface {
	WritePacket(p packetize.Packet) error
}

// Stages are the per-picture collaborators the session drives.
type Stages struct {
	Analyzer        Analyzer
	MotionEstimator MotionEstimator
	Reconstructor   Reconstructor
	Coder           entropy.SuperblockCoder
	Packer          packetize.FramePacker
}

func (s Stages) validate() error {
	switch {
	case s.Analyzer == nil:
		return errors.New("pipeline: missing analyzer")
	case s.MotionEstimator == nil:
		return errors.New("pipeline: missing motion estimator")
	case s.Reconstructor == nil:
		return errors.New("pipeline: missing reconstructor")
	case s.Coder == nil:
		return errors.New("pipeline: missing superblock coder")
	case s.Packer == nil:
		return errors.New("pipeline: missing frame packer")
	}
	return nil
}

// Callbacks are optional notifications. They run on stage goroutines and
// must not block.
type Callbacks struct {
	Progress    func(p Progress)
	SceneChange func(poc int64)
	Assigned    func(a ratecontrol.Assignment)
}

// Result summarizes a finished session.
type Result struct {
	Packets      int
	ShowExisting int
	Displayed    int64
	Bits         int64
	SceneChanges []int64
	RateControl  ratecontrol.Summary
	Elapsed      time.Duration
}

// reconRowsPerReport is the number of reconstructed rows handed to entropy
// coding at once.
const reconRowsPerReport = 2

// Session is one encode run over a fixed number of pictures.
type Session struct {
	scs       *config.SequenceControlSet
	log       *zap.Logger
	frames    int
	stages    Stages
	sink      PacketSink
	callbacks Callbacks

	parents    *fifo.Pool[picture.ParentControlSet]
	paRefs     *fifo.Pool[picture.PaReference]
	children   *fifo.Pool[picture.ControlSet]
	references *fifo.Pool[picture.Reference]

	sourceQ   *fifo.Queue[decision.Parent]
	decisionQ *fifo.Queue[decision.Input]
	segmentQ  *fifo.Queue[decision.SegmentTask]
	managerQ  *fifo.Queue[manager.DemuxResult]
	rateQ     *fifo.Queue[ratecontrol.Task]
	reconQ    *fifo.Queue[ratecontrol.Child]
	rowsQ     *fifo.Queue[entropy.Rows]
	packetQ   *fifo.Queue[entropy.Result]

	decision  *decision.Engine
	manager   *manager.Engine
	rate      *ratecontrol.Engine
	entropy   *entropy.Engine
	packetize *packetize.Engine

	progress *tracker

	scenesMu sync.Mutex
	scenes   []int64

	// Stop bookkeeping: the session ends once packetization has written the
	// end of sequence and rate control has consumed every packet's feedback.
	fed        atomic.Int64
	written    atomic.Int64
	packetized atomic.Bool
	stopOnce   sync.Once
	stopped    atomic.Bool
	cancel     context.CancelFunc
}

// New creates a session that encodes frames pictures.
func New(scs *config.SequenceControlSet, log *zap.Logger, frames int, stages Stages, sink PacketSink, callbacks Callbacks) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if frames < 1 {
		return nil, fmt.Errorf("pipeline: need at least one frame, got %d", frames)
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		scs:       scs,
		log:       log.Named("pipeline"),
		frames:    frames,
		stages:    stages,
		sink:      sink,
		callbacks: callbacks,
		progress:  newTracker(frames, scs.FrameRate()),
	}
	if err := s.buildPools(); err != nil {
		return nil, err
	}
	s.buildQueues()
	if err := s.buildStages(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) buildPools() error {
	pool := s.scs.PicturePoolSize
	refs := 2*pool + config.DPBSize

	var err error
	if s.parents, err = picture.NewParentPool(s.scs, pool); err != nil {
		return fmt.Errorf("failed to create parent pool: %w", err)
	}
	if s.paRefs, err = picture.NewPaReferencePool(refs); err != nil {
		return fmt.Errorf("failed to create analysis reference pool: %w", err)
	}
	// One child per parent at most, so the manager never waits for one.
	if s.children, err = picture.NewControlPool(s.scs, pool); err != nil {
		return fmt.Errorf("failed to create control set pool: %w", err)
	}
	if s.references, err = picture.NewReferencePool(refs); err != nil {
		return fmt.Errorf("failed to create reference pool: %w", err)
	}
	return nil
}

// buildQueues sizes every queue for the most items the pools allow in
// flight, so stages posting around the feedback loops never block each
// other.
func (s *Session) buildQueues() {
	pool := s.scs.PicturePoolSize
	depth := max(1024, pool*(int(s.scs.SBRows)+s.scs.SegmentsPerPicture()+8))

	s.sourceQ = fifo.NewQueue[decision.Parent]("source", pool)
	s.decisionQ = fifo.NewQueue[decision.Input]("decision", pool)
	s.segmentQ = fifo.NewQueue[decision.SegmentTask]("segment", depth)
	s.managerQ = fifo.NewQueue[manager.DemuxResult]("manager", depth)
	s.rateQ = fifo.NewQueue[ratecontrol.Task]("rate control", depth)
	s.reconQ = fifo.NewQueue[ratecontrol.Child]("reconstruction", pool)
	s.rowsQ = fifo.NewQueue[entropy.Rows]("entropy", depth)
	s.packetQ = fifo.NewQueue[entropy.Result]("packetize", pool)
}

func (s *Session) buildStages() error {
	var err error
	s.rate, err = ratecontrol.New(s.scs, s.log, reconLink{s}, feedbackLink{s}, ratecontrol.Hooks{
		Assigned: s.callbacks.Assigned,
	})
	if err != nil {
		return fmt.Errorf("failed to create rate control: %w", err)
	}
	s.decision, err = decision.New(s.scs, s.log, segmentLink{s}, s.rate, decision.Hooks{
		SceneChange: s.sceneChange,
	})
	if err != nil {
		return fmt.Errorf("failed to create picture decision: %w", err)
	}
	s.manager = manager.New(s.scs, s.log, s.children, s.references, rateLink{s})
	s.entropy = entropy.New(s.log, int(s.scs.SBCols), s.stages.Coder, entropyLink{s})
	s.packetize = packetize.New(s.log, s.stages.Packer, s.rate.VBV(), packetLink{s})
	return nil
}

func (s *Session) sceneChange(poc int64) {
	s.scenesMu.Lock()
	s.scenes = append(s.scenes, poc)
	s.scenesMu.Unlock()
	if s.callbacks.SceneChange != nil {
		s.callbacks.SceneChange(poc)
	}
}

// Run encodes every picture. It returns once the last packet's feedback has
// been consumed, a stage fails, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	s.log.Info("session started",
		zap.Int("frames", s.frames),
		zap.Uint32("width", s.scs.Width),
		zap.Uint32("height", s.scs.Height),
		zap.Stringer("structure", s.scs.PredStructure),
		zap.Uint8("levels", s.scs.HierarchicalLevels),
		zap.Stringer("rate_control", s.scs.RateControlMode),
		zap.Int("picture_pool", s.scs.PicturePoolSize))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.source(gctx) })
	for i := 0; i < s.scs.AnalysisWorkers; i++ {
		g.Go(func() error { return s.analyze(gctx) })
		g.Go(func() error { return s.estimate(gctx) })
	}
	g.Go(func() error { return s.decision.Run(gctx, s.decisionQ) })
	g.Go(func() error { return s.manager.Run(gctx, s.managerQ) })
	g.Go(func() error { return s.rate.Run(gctx, s.rateQ) })
	for i := 0; i < s.scs.ReconWorkers; i++ {
		g.Go(func() error { return s.reconstruct(gctx) })
	}
	g.Go(func() error { return s.entropy.Run(gctx, s.scs.EntropyWorkers, s.rowsQ) })
	g.Go(func() error {
		if err := s.packetize.Run(gctx, s.packetQ); err != nil {
			return err
		}
		s.written.Store(int64(s.packetize.Stats().Packets))
		s.packetized.Store(true)
		s.maybeStop()
		return nil
	})

	err := g.Wait()
	if s.stopped.Load() && errors.Is(err, context.Canceled) {
		err = s.drained()
	}
	if err != nil {
		s.log.Error("session failed", zap.Error(err))
		return nil, err
	}

	ps := s.packetize.Stats()
	s.scenesMu.Lock()
	scenes := append([]int64(nil), s.scenes...)
	s.scenesMu.Unlock()
	res := &Result{
		Packets:      ps.Packets,
		ShowExisting: ps.ShowExisting,
		Displayed:    ps.Displayed,
		Bits:         ps.Bits,
		SceneChanges: scenes,
		RateControl:  s.rate.Summary(),
		Elapsed:      time.Since(start),
	}
	s.log.Info("session finished",
		zap.Int("packets", res.Packets),
		zap.Int64("displayed", res.Displayed),
		zap.Int64("bits", res.Bits),
		zap.Float64("average_qp", res.RateControl.AverageQP()),
		zap.Int("scene_changes", len(res.SceneChanges)),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// maybeStop ends the session once every packet has been written and fed
// back. Both sides call it after publishing their count.
func (s *Session) maybeStop() {
	if !s.packetized.Load() || s.fed.Load() != s.written.Load() {
		return
	}
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

// drained reports ErrIncomplete for every ordering stage that has not
// seen the end of the sequence. Callers must hold no running stage.
func (s *Session) drained() error {
	var errs []error
	if !s.decision.Finished() {
		errs = append(errs, fmt.Errorf("%w: picture decision", ErrIncomplete))
	}
	if !s.manager.Finished() {
		errs = append(errs, fmt.Errorf("%w: picture manager", ErrIncomplete))
	}
	if n := s.manager.Pending(); n != 0 {
		errs = append(errs, fmt.Errorf("%w: %d pictures awaiting release", ErrIncomplete, n))
	}
	if !s.packetize.Finished() {
		errs = append(errs, fmt.Errorf("%w: packetization", ErrIncomplete))
	}
	return errors.Join(errs...)
}

// Idle returns ErrLeak if any parent or child control set is still out of
// its pool. It is meaningful only after Run returned.
func (s *Session) Idle() error {
	var errs []error
	if n := s.parents.Size() - s.parents.Available(); n != 0 {
		errs = append(errs, fmt.Errorf("%w: %d %s", ErrLeak, n, s.parents.Name()))
	}
	if n := s.children.Size() - s.children.Available(); n != 0 {
		errs = append(errs, fmt.Errorf("%w: %d %s", ErrLeak, n, s.children.Name()))
	}
	return errors.Join(errs...)
}
