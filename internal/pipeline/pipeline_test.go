package pipeline

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/packetize"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/ratecontrol"
	"github.com/five82/vp9pipe/internal/synth"
)

type recordingSink struct {
	packets []packetize.Packet
}

func (r *recordingSink) WritePacket(p packetize.Packet) error {
	r.packets = append(r.packets, p)
	return nil
}

type run struct {
	scs      *config.SequenceControlSet
	source   *synth.Source
	session  *Session
	sink     *recordingSink
	result   *Result
	mu       sync.Mutex
	assigned []ratecontrol.Assignment
	progress []Progress
}

func encode(t *testing.T, frames int, cuts []int, mutate func(*config.Config)) *run {
	t.Helper()
	c := config.NewConfig()
	c.Width, c.Height = 640, 384
	c.AnalysisWorkers, c.ReconWorkers, c.EntropyWorkers = 3, 3, 3
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, c.Validate())

	r := &run{scs: config.NewSequenceControlSet(c), sink: &recordingSink{}}
	var err error
	r.source, err = synth.NewSource(frames, synth.ScenesFromCuts(cuts, frames), 11)
	require.NoError(t, err)

	stages := Stages{
		Analyzer:        synth.NewAnalyzer(r.scs, r.source),
		MotionEstimator: synth.NewMotionEstimator(r.scs),
		Reconstructor:   synth.Reconstructor{},
		Coder:           synth.Coder{},
		Packer:          synth.Packer{},
	}
	r.session, err = New(r.scs, nil, frames, stages, r.sink, Callbacks{
		Progress: func(p Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
		Assigned: func(a ratecontrol.Assignment) {
			r.mu.Lock()
			r.assigned = append(r.assigned, a)
			r.mu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.result, err = r.session.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, r.session.Idle())
	return r
}

// checkStream verifies decode order, the display sequence and the result
// totals of a finished run.
func (r *run) checkStream(t *testing.T, frames int) {
	t.Helper()
	packets := r.sink.packets
	require.NotEmpty(t, packets)
	require.Equal(t, picture.KeyFrame, packets[0].FrameType)

	var shown []int64
	var bits int64
	for i, p := range packets {
		require.Equal(t, int64(i), p.DecodeOrder)
		shown = append(shown, p.Displayed...)
		bits += p.Bits()
	}
	want := make([]int64, frames)
	for i := range want {
		want[i] = int64(i)
	}
	require.Equal(t, want, shown)

	res := r.result
	require.Equal(t, len(packets), res.Packets)
	require.Equal(t, int64(frames), res.Displayed)
	require.Equal(t, bits, res.Bits)
	require.Equal(t, res.Packets, res.RateControl.Frames)
	require.Equal(t, res.Bits, res.RateControl.Bits)
	require.Len(t, r.assigned, res.Packets)

	last := r.progress[len(r.progress)-1]
	require.Equal(t, int64(frames), last.FramesDone)
	require.InDelta(t, 100, last.Percent(), 0.001)
	require.Equal(t, uint64(bits/8), last.Bytes)
}

func TestRandomAccessStream(t *testing.T) {
	const frames = 40
	r := encode(t, frames, []int{0, 17}, nil)
	r.checkStream(t, frames)

	require.Equal(t, []int64{17}, r.result.SceneChanges)
	require.Equal(t, frames, r.result.Packets)
	require.Greater(t, r.result.ShowExisting, 0)
	shownFrames := 0
	for _, p := range r.sink.packets {
		if p.ShowFrame {
			shownFrames++
		}
	}
	require.Equal(t, frames, shownFrames+r.result.ShowExisting)

	var key []int64
	for _, p := range r.sink.packets {
		if p.FrameType == picture.KeyFrame {
			key = append(key, p.PictureNumber)
		}
	}
	require.Equal(t, []int64{0, 17}, key)

	// Pictures deeper in the pyramid get coarser quantizers.
	layers := r.result.RateControl.Layers
	require.Greater(t, layers[3].AverageQP(), layers[0].AverageQP())
}

func TestLowDelayStream(t *testing.T) {
	const frames = 24
	r := encode(t, frames, []int{0}, func(c *config.Config) {
		c.PredStructure = config.PredLowDelayP
		c.IntraPeriod = -1
	})
	r.checkStream(t, frames)

	require.Equal(t, 0, r.result.ShowExisting)
	for i, p := range r.sink.packets {
		require.Equal(t, int64(i), p.PictureNumber)
		require.True(t, p.ShowFrame)
	}
	require.Equal(t, 1, r.result.RateControl.IntraFrames)
}

func TestConstantBitrateStream(t *testing.T) {
	const frames = 64
	r := encode(t, frames, []int{0, 30}, func(c *config.Config) {
		c.RateControlMode = config.RCConstantBitrate
		c.TargetBitrate = 400_000
		c.IntraPeriod = 31
	})
	r.checkStream(t, frames)

	for _, a := range r.assigned {
		require.GreaterOrEqual(t, a.QP, r.scs.MinQP)
		require.LessOrEqual(t, a.QP, r.scs.MaxQP)
		require.Greater(t, a.TargetBits, 0.0)
	}
	// Key frames at 0, at the cut at 30 and one intra period after it.
	require.Equal(t, 3, r.result.RateControl.IntraFrames)
}

func TestReferenceFeedbackGate(t *testing.T) {
	const frames = 20
	r := encode(t, frames, []int{0}, func(c *config.Config) {
		c.RequireReferenceFeedback = true
		c.HierarchicalLevels = 2
	})
	r.checkStream(t, frames)
}

func TestSinglePicture(t *testing.T) {
	r := encode(t, 1, []int{0}, nil)
	r.checkStream(t, 1)
	require.Equal(t, 1, r.result.Packets)
}

func TestRunHonoursCancellation(t *testing.T) {
	c := config.NewConfig()
	c.Width, c.Height = 640, 384
	require.NoError(t, c.Validate())
	scs := config.NewSequenceControlSet(c)
	src, err := synth.NewSource(32, synth.EvenScenes(32, 32), 1)
	require.NoError(t, err)
	s, err := New(scs, nil, 32, Stages{
		Analyzer:        synth.NewAnalyzer(scs, src),
		MotionEstimator: synth.NewMotionEstimator(scs),
		Reconstructor:   synth.Reconstructor{},
		Coder:           synth.Coder{},
		Packer:          synth.Packer{},
	}, nil, Callbacks{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsIncompleteStages(t *testing.T) {
	c := config.NewConfig()
	scs := config.NewSequenceControlSet(c)
	_, err := New(scs, nil, 10, Stages{}, nil, Callbacks{})
	require.ErrorContains(t, err, "missing analyzer")
	_, err = New(scs, nil, 0, Stages{}, nil, Callbacks{})
	require.ErrorContains(t, err, "at least one frame")
}

func TestDrainedReportsUnfinishedStages(t *testing.T) {
	r := encode(t, 6, nil, nil)
	require.NoError(t, r.session.drained())

	c := config.NewConfig()
	c.Width, c.Height = 640, 384
	scs := config.NewSequenceControlSet(c)
	source, err := synth.NewSource(6, synth.ScenesFromCuts(nil, 6), 11)
	require.NoError(t, err)
	s, err := New(scs, nil, 6, Stages{
		Analyzer:        synth.NewAnalyzer(scs, source),
		MotionEstimator: synth.NewMotionEstimator(scs),
		Reconstructor:   synth.Reconstructor{},
		Coder:           synth.Coder{},
		Packer:          synth.Packer{},
	}, &recordingSink{}, Callbacks{})
	require.NoError(t, err)

	err = s.drained()
	require.ErrorIs(t, err, ErrIncomplete)
	require.ErrorContains(t, err, "picture decision")
	require.ErrorContains(t, err, "picture manager")
	require.ErrorContains(t, err, "packetization")
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	require.NoError(t, s.WritePacket(packetize.Packet{
		Frame:        []byte{1, 2, 3},
		ShowExisting: [][]byte{{0x89}, {0x8a}},
	}))
	require.Empty(t, buf.Bytes())
	require.NoError(t, s.Flush())
	require.Equal(t, []byte{1, 2, 3, 0x89, 0x8a}, buf.Bytes())
}

func TestProgressRates(t *testing.T) {
	p := Progress{FramesDone: 30, TotalFrames: 120, Packets: 20, Bytes: 1000, QPSum: 600,
		Elapsed: 2 * time.Second, frameRate: 30}
	require.InDelta(t, 25, p.Percent(), 0.001)
	require.InDelta(t, 15, p.FPS(), 0.001)
	require.InDelta(t, 8000, p.Bitrate(), 0.001)
	require.InDelta(t, 30, p.AverageQP(), 0.001)
	require.Equal(t, 6*time.Second, p.ETA())
}
