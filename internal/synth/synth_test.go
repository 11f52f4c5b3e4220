package synth

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/scd"
)

func TestParseScenes(t *testing.T) {
	scenes, err := ParseScenes(strings.NewReader("48\n\n# cut\n12\n30\n"), 60)
	require.NoError(t, err)
	require.Equal(t, []Scene{{0, 12}, {12, 30}, {30, 48}, {48, 60}}, scenes)
	require.NoError(t, ValidateScenes(scenes, 60))

	_, err = ParseScenes(strings.NewReader("12\nabc\n"), 60)
	require.Error(t, err)
}

func TestLoadScenes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenes.txt")
	require.NoError(t, os.WriteFile(path, []byte("0\n20\n90\n"), 0o644))
	scenes, err := LoadScenes(path, 40)
	require.NoError(t, err)
	require.Equal(t, []Scene{{0, 20}, {20, 40}}, scenes)

	_, err = LoadScenes(filepath.Join(t.TempDir(), "missing"), 40)
	require.Error(t, err)
}

func TestEvenScenes(t *testing.T) {
	require.Equal(t, []Scene{{0, 10}, {10, 20}, {20, 25}}, EvenScenes(25, 10))
	require.Equal(t, []Scene{{0, 25}}, EvenScenes(25, 0))
}

func TestValidateScenes(t *testing.T) {
	tests := []struct {
		name   string
		scenes []Scene
	}{
		{"empty", nil},
		{"gap", []Scene{{0, 10}, {11, 20}}},
		{"short", []Scene{{0, 10}, {10, 15}}},
		{"late start", []Scene{{1, 20}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, ValidateScenes(tt.scenes, 20))
		})
	}
}

func TestSourceIsDeterministic(t *testing.T) {
	a, err := NewSource(40, EvenScenes(40, 16), 7)
	require.NoError(t, err)
	b, err := NewSource(40, EvenScenes(40, 16), 7)
	require.NoError(t, err)
	for poc := int64(0); poc < 40; poc++ {
		require.Equal(t, a.Frame(poc), b.Frame(poc))
	}
	require.Equal(t, []int64{16, 32}, a.Cuts())

	f := a.Frame(16)
	require.True(t, f.SceneStart)
	require.Equal(t, 1, f.Scene)
	require.False(t, a.Frame(17).SceneStart)
	require.Equal(t, a.Frame(16).Intensity, a.Frame(31).Intensity)

	_, err = NewSource(0, nil, 1)
	require.Error(t, err)
	_, err = NewSource(10, EvenScenes(9, 3), 1)
	require.Error(t, err)
}

func newSCS(t *testing.T) *config.SequenceControlSet {
	t.Helper()
	c := config.NewConfig()
	c.Width, c.Height = 640, 384
	c.SceneChangeMode = config.SCDNormal
	require.NoError(t, c.Validate())
	return config.NewSequenceControlSet(c)
}

func analyze(t *testing.T, a *Analyzer, parents *fifo.Pool[picture.ParentControlSet], poc int64) *picture.ParentControlSet {
	t.Helper()
	w, ok := parents.TryGetEmpty()
	require.True(t, ok)
	p := w.Object
	p.PictureNumber = poc
	var pa picture.PaReference
	require.NoError(t, a.Analyze(p, &pa))
	require.Equal(t, poc, pa.PictureNumber)
	require.Equal(t, p.Stats.AverageIntensity, pa.AverageIntensity)
	return p
}

func TestAnalyzerDrivesSceneChangeDetection(t *testing.T) {
	const frames = 48
	scs := newSCS(t)
	src, err := NewSource(frames, ScenesFromCuts([]int{0, 17, 33}, frames), 3)
	require.NoError(t, err)
	// Neighbouring scenes must differ enough to be told apart.
	require.NotEqual(t, src.Frame(0).Intensity/4, src.Frame(17).Intensity/4)
	require.NotEqual(t, src.Frame(17).Intensity/4, src.Frame(33).Intensity/4)

	parents, err := picture.NewParentPool(scs, frames)
	require.NoError(t, err)
	a := NewAnalyzer(scs, src)
	stats := make([]*picture.ParentControlSet, frames)
	for poc := range stats {
		stats[poc] = analyze(t, a, parents, int64(poc))
		var me, intra uint32
		for b := range stats[poc].Stats.MESAD {
			me += stats[poc].Stats.MESAD[b]
			intra += stats[poc].Stats.IntraSAD[b]
		}
		require.Equal(t, scs.SBTotal, me)
		require.Equal(t, scs.SBTotal, intra)
	}

	d := scd.New(scs)
	var cuts []int64
	for poc := 1; poc < frames; poc++ {
		var next *picture.Stats
		if poc+1 < frames {
			next = &stats[poc+1].Stats
		}
		if d.Detect(&stats[poc-1].Stats, &stats[poc].Stats, next).SceneChange {
			cuts = append(cuts, int64(poc))
		}
	}
	require.Equal(t, src.Cuts(), cuts)

	// A cut costs as much to predict as to code intra.
	require.Equal(t, stats[17].Stats.IntraSAD, stats[17].Stats.MESAD)
}

func TestCoderFollowsQP(t *testing.T) {
	scs := newSCS(t)
	src, err := NewSource(4, EvenScenes(4, 0), 1)
	require.NoError(t, err)
	parents, err := picture.NewParentPool(scs, 1)
	require.NoError(t, err)
	children, err := picture.NewControlPool(scs, 1)
	require.NoError(t, err)

	pw, _ := parents.TryGetEmpty()
	pw.Object.PictureNumber = 2
	var pa picture.PaReference
	require.NoError(t, NewAnalyzer(scs, src).Analyze(pw.Object, &pa))
	cw, _ := children.TryGetEmpty()
	c := cw.Object
	c.Parent = pw
	c.PictureNumber = 2
	c.SliceType = picture.BSlice
	c.TemporalLayer = 1

	var coder Coder
	prev := int64(-1)
	for qp := 63; qp >= 0; qp -= 7 {
		c.QP = uint8(qp)
		bits := coder.Tokenize(c, 1, 2)
		require.Greater(t, bits, prev, "qp %d", qp)
		prev = bits
	}
	c.QP = 20
	inter := coder.Tokenize(c, 0, 0)
	c.SliceType, c.TemporalLayer = picture.ISlice, 0
	require.Greater(t, coder.Tokenize(c, 0, 0), inter)
	require.Less(t, coder.WriteModes(c, 0, 0), int64(modeBits))
}

func TestPacker(t *testing.T) {
	scs := newSCS(t)
	parents, err := picture.NewParentPool(scs, 1)
	require.NoError(t, err)
	children, err := picture.NewControlPool(scs, 1)
	require.NoError(t, err)

	pw, _ := parents.TryGetEmpty()
	p := pw.Object
	p.PictureNumber = 9
	p.FrameType = picture.InterFrame
	p.ShowFrame = true
	p.RPS.RefreshFrameMask = 0x05
	cw, _ := children.TryGetEmpty()
	c := cw.Object
	c.Parent = pw
	c.PictureNumber = 9
	c.DecodeOrder = 6
	c.QP = 33
	c.Bits.Store(81)

	buf, err := Packer{}.PackFrame(c)
	require.NoError(t, err)
	require.Len(t, buf, FrameHeaderSize+11)
	require.Equal(t, byte(0x86), buf[0])
	require.Equal(t, byte(33), buf[1])
	require.Equal(t, byte(0x05), buf[2])
	require.Equal(t, uint64(9), binary.BigEndian.Uint64(buf[4:12]))
	require.Equal(t, uint32(6), binary.BigEndian.Uint32(buf[12:16]))
	require.Equal(t, uint32(11), binary.BigEndian.Uint32(buf[16:20]))

	require.Equal(t, []byte{0x8b}, Packer{}.PackShowExisting(3))
}

func TestReconstructorDependsOnReferences(t *testing.T) {
	scs := newSCS(t)
	children, err := picture.NewControlPool(scs, 1)
	require.NoError(t, err)
	refs, err := picture.NewReferencePool(1)
	require.NoError(t, err)

	cw, _ := children.TryGetEmpty()
	c := cw.Object
	c.PictureNumber = 4
	c.QP = 30
	var r Reconstructor
	alone := r.ReconstructRow(c, 0)
	require.Equal(t, alone, r.ReconstructRow(c, 0))
	require.NotEqual(t, alone, r.ReconstructRow(c, 1))

	rw, _ := refs.TryGetEmpty()
	rw.Object.Checksum = 0xfeed
	c.RefList0 = append(c.RefList0, rw)
	require.NotEqual(t, alone, r.ReconstructRow(c, 0))
}
