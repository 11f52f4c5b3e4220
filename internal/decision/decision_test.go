package decision

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/predstruct"
)

type collector struct {
	mu    sync.Mutex
	tasks []SegmentTask
}

func (c *collector) Post(_ context.Context, t SegmentTask) error {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	return nil
}

type feeder struct{ pocs []int64 }

func (f *feeder) AddLookAhead(p *picture.ParentControlSet) { f.pocs = append(f.pocs, p.PictureNumber) }

type harness struct {
	t       *testing.T
	scs     *config.SequenceControlSet
	engine  *Engine
	out     *collector
	feed    *feeder
	parents *fifo.Pool[picture.ParentControlSet]
	paRefs  *fifo.Pool[picture.PaReference]
	scenes  []int64
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	c := config.NewConfig()
	c.Width, c.Height = 256, 128
	c.MESegmentCols, c.MESegmentRows = 2, 1
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, c.Validate())
	scs := config.NewSequenceControlSet(c)

	h := &harness{t: t, scs: scs, out: &collector{}, feed: &feeder{}}
	var err error
	h.parents, err = picture.NewParentPool(scs, 128)
	require.NoError(t, err)
	h.paRefs, err = picture.NewPaReferencePool(128)
	require.NoError(t, err)
	h.engine, err = New(scs, nil, h.out, h.feed, Hooks{
		SceneChange: func(poc int64) { h.scenes = append(h.scenes, poc) },
	})
	require.NoError(t, err)
	return h
}

// input builds an analysed picture whose histograms all sit in bin.
func (h *harness) input(poc int64, eos bool, bin int) Input {
	ctx := context.Background()
	w, err := h.parents.GetEmpty(ctx)
	require.NoError(h.t, err)
	pa, err := h.paRefs.GetEmpty(ctx)
	require.NoError(h.t, err)

	p := w.Object
	p.PictureNumber = poc
	p.EndOfSequence = eos
	p.PaReference = pa
	pa.Object.PictureNumber = poc
	p.Stats.AverageIntensity = uint8(bin * 4)
	for r := range p.Stats.Regions {
		p.Stats.Regions[r].Y[bin] = 2048
		p.Stats.Regions[r].Cb[bin] = 512
		p.Stats.Regions[r].Cr[bin] = 512
	}
	return Input{Parent: w}
}

func (h *harness) run(order []int64, binOf func(int64) int) {
	h.t.Helper()
	last := int64(0)
	for _, poc := range order {
		last = max(last, poc)
	}
	for _, poc := range order {
		bin := 10
		if binOf != nil {
			bin = binOf(poc)
		}
		require.NoError(h.t, h.engine.Process(context.Background(), h.input(poc, poc == last, bin)))
	}
	require.True(h.t, h.engine.Finished())
}

// decoded returns the pictures in the order they were fanned out.
func (h *harness) decoded() []*picture.ParentControlSet {
	var out []*picture.ParentControlSet
	for _, task := range h.out.tasks {
		if task.Segment == 0 {
			out = append(out, task.Parent.Object)
		}
	}
	return out
}

func sequence(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = int64(i)
	}
	return s
}

func shuffled(n int, seed int64) []int64 {
	s := sequence(n)
	rand.New(rand.NewSource(seed)).Shuffle(n, func(i, j int) { s[i], s[j] = s[j], s[i] })
	return s
}

func TestScenarioAllIntraOutOfOrder(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.HierarchicalLevels = 2
		c.IntraPeriod = 0
	})
	h.run([]int64{3, 1, 0, 2}, nil)

	got := h.decoded()
	require.Len(t, got, 4)
	for i, p := range got {
		require.Equal(t, int64(i), p.PictureNumber)
		require.Equal(t, int64(i), p.DecodeOrder)
		require.True(t, p.IDR)
		require.Equal(t, picture.ISlice, p.SliceType)
		require.Equal(t, picture.KeyFrame, p.FrameType)
		require.Equal(t, uint8(0xFF), p.RPS.RefreshFrameMask)
	}
	require.Len(t, h.out.tasks, 4*h.scs.SegmentsPerPicture())
}

func TestDecodeOrderIsContiguous(t *testing.T) {
	for _, levels := range []uint8{1, 2, 3, 4} {
		h := newHarness(t, func(c *config.Config) {
			c.HierarchicalLevels = levels
			c.IntraPeriod = 23
		})
		h.run(shuffled(50, int64(levels)), nil)

		got := h.decoded()
		require.Len(t, got, 50)
		for i, p := range got {
			require.Equal(t, int64(i), p.DecodeOrder, "levels %d", levels)
		}
		var lookahead []int64
		lookahead = append(lookahead, h.feed.pocs...)
		sort.Slice(lookahead, func(i, j int) bool { return lookahead[i] < lookahead[j] })
		require.Equal(t, sequence(50), lookahead)
	}
}

func TestIntraPeriodMiniGops(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.HierarchicalLevels = 3
		c.IntraPeriod = 7
	})
	h.run(sequence(17), nil)

	byPOC := make(map[int64]*picture.ParentControlSet)
	for _, p := range h.decoded() {
		byPOC[p.PictureNumber] = p
	}
	for poc := int64(0); poc <= 16; poc++ {
		p := byPOC[poc]
		require.Equal(t, poc%8 == 0, p.IDR, "picture %d", poc)
	}

	// Seven pictures between intras: a four picture pyramid and three
	// low-delay pictures.
	require.Equal(t, uint8(2), byPOC[1].HierarchicalLevels)
	require.Equal(t, int64(1), byPOC[4].MiniGopStart)
	require.Equal(t, int64(4), byPOC[4].MiniGopEnd)
	require.Equal(t, picture.BSlice, byPOC[2].SliceType)
	for _, poc := range []int64{5, 6, 7} {
		require.Equal(t, config.PredLowDelayP, byPOC[poc].PredStruct.Type)
		require.Equal(t, picture.PSlice, byPOC[poc].SliceType)
		require.Equal(t, []int64{poc - 1}, byPOC[poc].RefList0)
	}
}

func TestSceneChangeForcesIntra(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.HierarchicalLevels = 3
		c.IntraPeriod = -1
	})
	h.run(shuffled(24, 3), func(poc int64) int {
		if poc >= 13 {
			return 40
		}
		return 10
	})

	require.Equal(t, []int64{13}, h.scenes)
	for _, p := range h.decoded() {
		require.Equal(t, p.PictureNumber == 0 || p.PictureNumber == 13, p.IDR, "picture %d", p.PictureNumber)
		require.Equal(t, p.PictureNumber == 13, p.SceneChange, "picture %d", p.PictureNumber)
		for _, ref := range append(append([]int64{}, p.RefList0...), p.RefList1...) {
			require.False(t, ref < 13 && p.PictureNumber > 13, "picture %d references %d across the intra", p.PictureNumber, ref)
		}
	}
}

// Every analysis reference returns to its pool once motion estimation
// releases its holds, so the dependency bookkeeping is balanced.
func TestAnalysisReferencesAreReleased(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"random access", func(c *config.Config) { c.HierarchicalLevels = 3; c.IntraPeriod = -1 }},
		{"five layers with intras", func(c *config.Config) { c.HierarchicalLevels = 4; c.IntraPeriod = 20 }},
		{"low delay", func(c *config.Config) { c.PredStructure = config.PredLowDelayP }},
		{"all intra", func(c *config.Config) { c.IntraPeriod = 0 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.mutate)
			h.run(shuffled(45, 11), nil)

			for _, task := range h.out.tasks {
				require.NoError(t, task.Release())
			}
			_, err := h.engine.PaQueue().Sweep()
			require.NoError(t, err)
			require.NoError(t, h.engine.PaQueue().Verify())
			require.Zero(t, h.engine.PaQueue().Len())
			require.Equal(t, h.paRefs.Size(), h.paRefs.Available())
		})
	}
}

// Replaying the assigned reference picture sets through a DPB model yields
// exactly the references the prediction structure asks for.
func TestRPSRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		levels      uint8
		intraPeriod int
	}{
		{3, -1}, {4, -1}, {3, 19}, {4, 40}, {2, 9}, {1, -1},
	} {
		h := newHarness(t, func(c *config.Config) {
			c.HierarchicalLevels = tc.levels
			c.IntraPeriod = tc.intraPeriod
		})
		h.run(shuffled(70, int64(tc.levels)), nil)

		var dpb [config.DPBSize]int64
		for i := range dpb {
			dpb[i] = -1
		}
		displayed := make(map[int64]bool)
		lastShown := int64(-1)
		for _, p := range h.decoded() {
			if p.FrameType == picture.KeyFrame {
				require.Empty(t, p.RefList0)
			} else {
				last := dpb[p.RPS.RefDPBIndex[picture.RefLast]]
				golden := dpb[p.RPS.RefDPBIndex[picture.RefGolden]]
				alt := dpb[p.RPS.RefDPBIndex[picture.RefAltRef]]
				require.Equal(t, p.RefList0[0], last, "levels %d picture %d LAST", tc.levels, p.PictureNumber)
				require.Equal(t, last, golden)
				if p.SliceType == picture.BSlice {
					require.Equal(t, p.RefList1[0], alt, "levels %d picture %d ALTREF", tc.levels, p.PictureNumber)
				} else {
					require.Equal(t, p.RefList0[0], alt)
				}
			}
			for i := range dpb {
				if p.RPS.RefreshFrameMask&(1<<i) != 0 {
					dpb[i] = p.PictureNumber
				}
			}

			if p.ShowFrame {
				require.Equal(t, lastShown+1, p.PictureNumber, "levels %d", tc.levels)
				lastShown = p.PictureNumber
				displayed[p.PictureNumber] = true
			}
			for _, slot := range p.ShowExisting {
				poc := dpb[slot]
				require.Equal(t, lastShown+1, poc, "levels %d show existing after %d", tc.levels, p.PictureNumber)
				require.False(t, displayed[poc])
				lastShown = poc
				displayed[poc] = true
			}
		}
		require.Len(t, displayed, 70, "levels %d", tc.levels)
	}
}

func TestUnsupportedHierarchyIsFatal(t *testing.T) {
	c := config.NewConfig()
	c.HierarchicalLevels = 5
	_, err := New(config.NewSequenceControlSet(c), nil, &collector{}, nil, Hooks{})
	require.ErrorIs(t, err, ErrUnsupportedHierarchy)

	g := newRPSGenerator()
	_, err = g.hierarchical(5, 0)
	require.ErrorIs(t, err, ErrUnsupportedHierarchy)
}

func TestMiniGopHook(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.HierarchicalLevels = 2; c.IntraPeriod = -1 })
	var spans [][2]int64
	h.engine.hooks.MiniGop = func(start, end int64, _ *predstruct.Structure) {
		spans = append(spans, [2]int64{start, end})
	}
	h.run(sequence(10), nil)
	require.Equal(t, [][2]int64{{0, 0}, {1, 4}, {5, 8}, {9, 9}}, spans)
}

// recycler resets each parent once its last segment task is posted, as the
// pipeline does when a picture finishes downstream before decision returns.
type recycler struct {
	segments int
	posted   map[int64]int
	decoded  []int64
}

func (r *recycler) Post(_ context.Context, t SegmentTask) error {
	p := t.Parent.Object
	poc := p.PictureNumber
	r.posted[poc]++
	if r.posted[poc] == r.segments {
		r.decoded = append(r.decoded, poc)
		p.Reset()
	}
	return nil
}

func TestEndOfSequenceSurvivesRecycledParent(t *testing.T) {
	for _, tc := range []struct {
		name   string
		frames int
		mutate func(*config.Config)
	}{
		{"low delay", 3, func(c *config.Config) { c.PredStructure = config.PredLowDelayP }},
		{"random access", 20, func(c *config.Config) { c.HierarchicalLevels = 3; c.IntraPeriod = -1 }},
		{"all intra", 4, func(c *config.Config) { c.IntraPeriod = 0 }},
		{"single picture", 1, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.mutate)
			rec := &recycler{segments: h.scs.SegmentsPerPicture(), posted: make(map[int64]int)}
			h.engine.out = rec

			h.run(sequence(tc.frames), nil)
			require.Len(t, rec.decoded, tc.frames)
			require.ElementsMatch(t, sequence(tc.frames), rec.decoded)
		})
	}
}
