// Package ratecontrol implements the rate control stage: a high-level QP
// search over a look-ahead window, a frame-level R-D model, feedback from
// packetized pictures shared between in-flight intervals, and a VBV model.
package ratecontrol

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
)

// High-level search half width around the configured QP.
const searchRange = 40

// Child is a pooled child control set.
type Child = *fifo.Wrapper[picture.ControlSet]

// TaskKind is the type of a rate control task.
type TaskKind uint8

const (
	// TaskPicture carries a child control set that needs a QP.
	TaskPicture TaskKind = iota
	// TaskRowFeedback reports the bits of one entropy coded row.
	TaskRowFeedback
	// TaskPacketFeedback reports the bits of one packetized picture.
	TaskPacketFeedback
)

func (k TaskKind) String() string {
	switch k {
	case TaskPicture:
		return "picture"
	case TaskRowFeedback:
		return "row feedback"
	case TaskPacketFeedback:
		return "packet feedback"
	default:
		return fmt.Sprintf("task(%d)", uint8(k))
	}
}

// Feedback is the packetization result of one picture.
type Feedback struct {
	PictureNumber int64
	Bits          int64
}

// Task is one rate control input.
type Task struct {
	Kind          TaskKind
	Child         Child // TaskPicture
	PictureNumber int64 // TaskRowFeedback
	Row           int
	Bits          int64
	Feedback      Feedback // TaskPacketFeedback
}

// Output receives child control sets with their QP assigned.
type Output interface {
	PostChild(ctx context.Context, c Child) error
}

// FeedbackNotifier is told when a picture's feedback has been consumed.
type FeedbackNotifier interface {
	NotifyFeedback(ctx context.Context, poc int64) error
}

// Assignment describes one QP decision.
type Assignment struct {
	PictureNumber int64
	TemporalLayer int
	SliceType     picture.SliceType
	QP            uint8
	BestPredQP    uint8
	TargetBits    float64
	PredictedBits float64
}

// Hooks are optional notifications.
type Hooks struct {
	Assigned func(a Assignment)
}

// LayerStats aggregates the coded pictures of one temporal layer.
type LayerStats struct {
	Frames int
	Bits   int64
	QPSum  int64
}

// AverageQP returns the mean QP of the layer.
func (l LayerStats) AverageQP() float64 {
	if l.Frames == 0 {
		return 0
	}
	return float64(l.QPSum) / float64(l.Frames)
}

// Summary aggregates every picture fed back so far.
type Summary struct {
	Frames        int
	Bits          int64
	QPSum         int64
	IntraFrames   int
	Layers        [config.MaxTemporalLayers]LayerStats
	VBVUnderflows int
}

// AverageQP returns the mean QP over all pictures.
func (s Summary) AverageQP() float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.QPSum) / float64(s.Frames)
}

// flight is the state of a picture between QP assignment and feedback.
type flight struct {
	interval *Interval
	class    int
	layer    int
	qp       int
	nominal  float64
	predict  float64
	rowBits  int64
	hist     [picture.SADBins]uint32
}

// Engine is the rate control stage. Process runs on a single goroutine;
// AddLookAhead and the VBV may be used from others.
type Engine struct {
	scs      *config.SequenceControlSet
	log      *zap.Logger
	strategy Strategy
	tables   *Tables
	vbv      *VBV
	la       lookAhead

	intervals *intervalSet
	inflight  map[int64]*flight

	virtualBufferLevel float64
	extraBits          float64

	out    Output
	notify FeedbackNotifier
	hooks  Hooks
	stats  Summary
}

// New creates the rate control stage. notify may be nil.
func New(scs *config.SequenceControlSet, log *zap.Logger, out Output, notify FeedbackNotifier, hooks Hooks) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	strategy, err := StrategyFor(scs.Tune)
	if err != nil {
		return nil, err
	}
	return &Engine{
		scs:       scs,
		log:       log.Named("ratecontrol"),
		strategy:  strategy,
		tables:    NewTables(),
		vbv:       NewVBV(scs.VBVBufferSize, scs.VBVInitialPercent, scs.BitsPerFrame),
		intervals: newIntervalSet(scs.IntervalLength),
		inflight:  make(map[int64]*flight),
		out:       out,
		notify:    notify,
		hooks:     hooks,
	}, nil
}

// VBV returns the decoder buffer model.
func (e *Engine) VBV() *VBV { return e.vbv }

// Tables returns the bit prediction tables.
func (e *Engine) Tables() *Tables { return e.tables }

// VirtualBufferLevel returns the accumulated bits spent above the channel
// rate.
func (e *Engine) VirtualBufferLevel() float64 { return e.virtualBufferLevel }

// Summary returns the coding statistics so far.
func (e *Engine) Summary() Summary {
	s := e.stats
	s.VBVUnderflows = e.vbv.Underflows()
	return s
}

// AddLookAhead records the histograms of a picture whose prediction
// structure is known.
func (e *Engine) AddLookAhead(p *picture.ParentControlSet) {
	e.la.add(HistogramEntry{
		PictureNumber: p.PictureNumber,
		TemporalLayer: p.TemporalLayer,
		Levels:        p.HierarchicalLevels,
		Intra:         p.SliceType == picture.ISlice,
		MESAD:         p.Stats.MESAD,
		IntraSAD:      p.Stats.IntraSAD,
	})
}

// Run processes tasks until the queue closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in *fifo.Queue[Task]) error {
	for {
		t, ok, err := in.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.Process(ctx, t); err != nil {
			return err
		}
	}
}

// Process handles one task.
func (e *Engine) Process(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskPicture:
		if err := e.assign(t.Child.Object); err != nil {
			return err
		}
		return e.out.PostChild(ctx, t.Child)
	case TaskRowFeedback:
		if f, ok := e.inflight[t.PictureNumber]; ok {
			f.rowBits += t.Bits
		}
		return nil
	case TaskPacketFeedback:
		if err := e.feedback(t.Feedback); err != nil {
			return err
		}
		if e.notify != nil {
			return e.notify.NotifyFeedback(ctx, t.Feedback.PictureNumber)
		}
		return nil
	default:
		return fmt.Errorf("rate control: unknown task %s", t.Kind)
	}
}

func (e *Engine) clampQP(qp int) int {
	return min(max(qp, int(e.scs.MinQP)), int(e.scs.MaxQP))
}

// offsetQP returns the QP a picture gets when the base QP is base.
func (e *Engine) offsetQP(base, layer int, intra bool) int {
	return e.clampQP(base + e.strategy.QPOffset(layer, intra))
}

// nominalTarget is the share of the stream budget a picture gets before
// any correction.
func (e *Engine) nominalTarget(layer int, levels uint8, intra bool) float64 {
	bpf := e.scs.BitsPerFrame
	if intra {
		return e.strategy.IntraBitsFactor * bpf
	}
	share := LayerShare(int(levels)+1, layer)
	return share * float64(int(1)<<levels) * bpf / float64(framesInLayer(layer))
}

// hysteresis scales the window budget when the stream has drifted far from
// its budget.
func (e *Engine) hysteresis() float64 {
	vbs := float64(e.scs.VirtualBufferSize)
	var f float64
	switch x := e.extraBits; {
	case x > 16*vbs:
		f = 0.7
	case x > 8*vbs:
		f = 0.8
	case x > 4*vbs:
		f = 0.9
	case x < -16*vbs:
		f = 1.3
	case x < -8*vbs:
		f = 1.2
	case x < -4*vbs:
		f = 1.1
	default:
		return 1
	}
	a := e.scs.MaxRateAdjust
	return min(max(f, 1-a), 1+a)
}

// highLevel searches the base QP whose predicted window bits best match the
// window budget and returns the resulting QP of the first picture.
func (e *Engine) highLevel(p *picture.ParentControlSet, window []HistogramEntry) int {
	intra := p.SliceType == picture.ISlice
	base := int(e.scs.QP)
	if len(window) == 0 {
		return e.offsetQP(base, p.TemporalLayer, intra)
	}

	var budget float64
	for i := range window {
		w := &window[i]
		budget += e.nominalTarget(w.TemporalLayer, w.Levels, w.Intra)
	}
	budget *= e.hysteresis()

	best, bestDiff := base, math.Inf(1)
	lo := max(base-searchRange, int(e.scs.MinQP))
	hi := min(base+searchRange, int(e.scs.MaxQP))
	for q := lo; q <= hi; q++ {
		var predicted float64
		for i := range window {
			w := &window[i]
			predicted += e.tables.Predict(classOf(w.TemporalLayer, w.Intra), e.offsetQP(q, w.TemporalLayer, w.Intra), w.hist())
		}
		if d := math.Abs(predicted - budget); d < bestDiff {
			best, bestDiff = q, d
		}
	}
	return e.offsetQP(best, p.TemporalLayer, intra)
}

// intraSearch picks the QP whose predicted intra bits best match target.
func (e *Engine) intraSearch(hist *[picture.SADBins]uint32, target float64) int {
	best, bestDiff := int(e.scs.QP), math.Inf(1)
	for q := int(e.scs.MinQP); q <= int(e.scs.MaxQP); q++ {
		if d := math.Abs(e.tables.Predict(classIntra, q, hist) - target); d < bestDiff {
			best, bestDiff = q, d
		}
	}
	return best
}

// projectedBufferLevel adds the expected cost of in-flight pictures to the
// virtual buffer level. Rows already coded bound the estimate from below.
func (e *Engine) projectedBufferLevel() float64 {
	level := e.virtualBufferLevel
	for _, f := range e.inflight {
		level += max(f.predict, float64(f.rowBits)) - e.scs.BitsPerFrame
	}
	return level
}

// frameLevel solves the R-D model for the QP meeting target.
func (e *Engine) frameLevel(m *Model, class, bestPred int, hist *[picture.SADBins]uint32, target float64) int {
	p0 := e.tables.Predict(class, bestPred, hist)
	if p0 <= 0 || target <= 0 {
		return bestPred
	}
	return int(math.Round(float64(bestPred) + m.K*math.Log2(m.C*p0/target)))
}

// clamp applies the reference, buffer and band limits to qp.
func (e *Engine) clamp(qp int, c *picture.ControlSet, bestPred int) int {
	vbs := float64(e.scs.VirtualBufferSize)
	switch vb := e.projectedBufferLevel(); {
	case vb > vbs:
		qp += 3
	case vb > vbs*6/8:
		qp++
	case vb < -vbs/4:
		qp -= 2
	case vb < 0:
		qp--
	}

	band := e.strategy.BestPredBand
	qp = min(max(qp, bestPred-band), bestPred+band)

	if c.SliceType != picture.ISlice && len(c.Snapshots) > 0 {
		refQP := 0
		for _, s := range c.Snapshots {
			refQP = max(refQP, int(s.QP))
		}
		qp = max(qp, refQP-1)
	}
	return e.clampQP(qp)
}

func (e *Engine) assign(c *picture.ControlSet) error {
	p := c.PPCS()
	iv, err := e.intervals.get(p.PictureNumber)
	if err != nil {
		return err
	}
	if p.EndOfSequence {
		iv.Ended = true
	}

	intra := p.SliceType == picture.ISlice
	class := classOf(p.TemporalLayer, intra)
	hist := &p.Stats.MESAD
	if intra {
		hist = &p.Stats.IntraSAD
	}

	nominal := e.nominalTarget(p.TemporalLayer, p.HierarchicalLevels, intra)
	target := nominal - iv.ExtraBits/float64(iv.Remaining())
	target = min(max(target, nominal/2), nominal*3/2)

	var qp, bestPred int
	if e.scs.RateControlMode == config.RCConstantQP {
		qp = e.offsetQP(int(e.scs.QP), p.TemporalLayer, intra)
		bestPred = qp
	} else {
		window := e.la.window(p.PictureNumber, e.scs.LookAhead)
		bestPred = e.highLevel(p, window)
		if intra && len(window) <= 1 {
			qp = e.intraSearch(hist, target)
		} else {
			qp = e.frameLevel(&iv.Models[class], class, bestPred, hist, target)
		}
		qp = e.clamp(qp, c, bestPred)

		if e.scs.RateControlMode == config.RCConstantBitrate || e.scs.Config.VBVBufferSize > 0 {
			start := qp
			base := qp - e.strategy.QPOffset(p.TemporalLayer, intra)
			qp = e.vbv.Adjust(qp, int(e.scs.MinQP), int(e.scs.MaxQP), func(q int) []float64 {
				bits := []float64{e.tables.Predict(class, q, hist)}
				for i := range window {
					w := &window[i]
					if w.PictureNumber == p.PictureNumber {
						continue
					}
					wq := e.offsetQP(base+q-start, w.TemporalLayer, w.Intra)
					bits = append(bits, e.tables.Predict(classOf(w.TemporalLayer, w.Intra), wq, w.hist()))
				}
				return bits
			})
		}
	}

	predicted := e.tables.Predict(class, qp, hist)
	p.BestPredQP = uint8(bestPred)
	p.QP = uint8(qp)
	p.TargetBits = target
	p.PredictedBits = predicted
	c.QP = uint8(qp)
	if c.Reference != nil {
		c.Reference.Object.QP = uint8(qp)
	}

	iv.Assigned++
	e.inflight[p.PictureNumber] = &flight{
		interval: iv,
		class:    class,
		layer:    p.TemporalLayer,
		qp:       qp,
		nominal:  nominal,
		predict:  predicted,
		hist:     *hist,
	}

	e.log.Debug("qp assigned",
		zap.Int64("picture", p.PictureNumber),
		zap.Int("layer", p.TemporalLayer),
		zap.Stringer("slice", p.SliceType),
		zap.Int("qp", qp),
		zap.Int("best_pred_qp", bestPred),
		zap.Float64("target_bits", target),
		zap.Float64("predicted_bits", predicted))
	if e.hooks.Assigned != nil {
		e.hooks.Assigned(Assignment{
			PictureNumber: p.PictureNumber,
			TemporalLayer: p.TemporalLayer,
			SliceType:     p.SliceType,
			QP:            uint8(qp),
			BestPredQP:    uint8(bestPred),
			TargetBits:    target,
			PredictedBits: predicted,
		})
	}
	return nil
}

// feedback folds the actual size of a packetized picture into the models,
// the buffers and the interval budgets.
func (e *Engine) feedback(fb Feedback) error {
	f, ok := e.inflight[fb.PictureNumber]
	if !ok {
		return fmt.Errorf("rate control feedback for unknown picture %d", fb.PictureNumber)
	}
	delete(e.inflight, fb.PictureNumber)
	e.la.remove(fb.PictureNumber)

	actual := float64(fb.Bits)
	iv := f.interval
	m := &iv.Models[f.class]
	if cur := e.tables.Predict(f.class, f.qp, &f.hist); cur > 0 && actual > 0 {
		norm := actual / e.complexity(f.class, &f.hist)
		m.observe(f.qp, actual/(m.C*cur), norm)
	}
	e.tables.Update(f.class, f.qp, &f.hist, actual)

	spent := actual - e.scs.BitsPerFrame
	e.virtualBufferLevel += spent
	iv.VirtualBufferLevel += spent
	// Intra pictures are budgeted above the channel rate; the rest of
	// their interval pays for it.
	deviation := actual - f.nominal
	if f.class == classIntra {
		deviation = actual - e.scs.BitsPerFrame
	}
	e.extraBits += deviation
	e.intervals.redistribute(iv, deviation, float64(e.scs.VirtualBufferSize))
	iv.Fed++

	e.stats.Frames++
	e.stats.Bits += fb.Bits
	e.stats.QPSum += int64(f.qp)
	if f.class == classIntra {
		e.stats.IntraFrames++
	}
	l := &e.stats.Layers[min(f.layer, config.MaxTemporalLayers-1)]
	l.Frames++
	l.Bits += fb.Bits
	l.QPSum += int64(f.qp)

	if m.critical {
		e.log.Debug("rate model critical",
			zap.Int64("picture", fb.PictureNumber),
			zap.Float64("actual_bits", actual),
			zap.Float64("predicted_bits", f.predict))
	}
	return nil
}

// complexity is the initial model cost of a histogram at a fixed QP. It
// separates content changes from QP changes when estimating the model
// slope.
func (e *Engine) complexity(class int, hist *[picture.SADBins]uint32) float64 {
	var sum float64
	for b, n := range hist {
		sum += float64(n) * modelBits(class, 0, b)
	}
	return max(sum, 1)
}
