package processing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/reporter"
	"github.com/five82/vp9pipe/internal/synth"
)

type events struct {
	reporter.NullReporter
	mu       sync.Mutex
	scenes   []int64
	updates  int
	progress []reporter.ProgressSnapshot
	outcome  *reporter.EncodingOutcome
	errors   []reporter.ReporterError
	config   reporter.EncodingConfigSummary
	checks   *reporter.ValidationSummary
}

func (e *events) SceneChange(poc int64) {
	e.mu.Lock()
	e.scenes = append(e.scenes, poc)
	e.mu.Unlock()
}

func (e *events) RateControlUpdate(reporter.RateControlUpdate) {
	e.mu.Lock()
	e.updates++
	e.mu.Unlock()
}

func (e *events) EncodingProgress(p reporter.ProgressSnapshot) {
	e.mu.Lock()
	e.progress = append(e.progress, p)
	e.mu.Unlock()
}

func (e *events) EncodingConfig(s reporter.EncodingConfigSummary) { e.config = s }
func (e *events) ValidationComplete(s reporter.ValidationSummary) { e.checks = &s }
func (e *events) EncodingComplete(s reporter.EncodingOutcome)     { e.outcome = &s }
func (e *events) Error(err reporter.ReporterError)                { e.errors = append(e.errors, err) }

func smallConfig() *config.Config {
	c := config.NewConfig()
	c.Width, c.Height = 640, 384
	c.AnalysisWorkers, c.ReconWorkers, c.EntropyWorkers = 2, 2, 2
	return c
}

func TestProcessStreamWritesOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stream.vp9")
	cfg := smallConfig()
	cfg.RateControlMode = config.RCVariableBitrate
	cfg.TargetBitrate = 500_000
	ev := &events{}

	res, err := ProcessStream(context.Background(), cfg, Job{
		Frames: 36,
		Scenes: synth.ScenesFromCuts([]int{0, 20}, 36),
		Seed:   5,
		Output: out,
	}, ev, nil)
	require.NoError(t, err)

	info, err := os.Stat(out)
	require.NoError(t, err)
	require.Equal(t, int64(res.Bytes), info.Size())
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(out), tempPrefix+"_*.tmp"))
	require.NoError(t, err)
	require.Empty(t, matches)

	require.Equal(t, 36, res.Frames)
	require.Equal(t, 36, res.Packets)
	require.Equal(t, []int64{20}, res.SceneChanges)
	require.Equal(t, []int64{20}, ev.scenes)
	require.Equal(t, 36, ev.updates)
	require.Equal(t, uint64(36), ev.progress[len(ev.progress)-1].FramesDone)

	require.NotNil(t, ev.outcome)
	require.Equal(t, uint64(36), ev.outcome.Frames)
	require.Equal(t, 500_000.0, ev.outcome.TargetBitrate)
	require.NotEmpty(t, ev.outcome.Layers)
	require.Equal(t, "vbr", ev.config.RateControl)
	require.Equal(t, "32 pictures", ev.config.IntraPeriod)

	require.True(t, res.ValidationPassed, "%+v", res.ValidationSteps)
	require.NotNil(t, ev.checks)
	require.True(t, ev.checks.Passed)
	require.Len(t, ev.checks.Steps, 5)
}

func TestProcessStreamDiscardsOutput(t *testing.T) {
	res, err := ProcessStream(context.Background(), smallConfig(), Job{Frames: 9, Seed: 1}, nil, nil)
	require.NoError(t, err)
	require.Empty(t, res.OutputFile)
	require.Equal(t, 9, res.Frames)
	require.Greater(t, res.Bytes, uint64(0))
	require.Empty(t, res.ValidationSteps)
}

func TestProcessStreamReportsBadScenes(t *testing.T) {
	ev := &events{}
	_, err := ProcessStream(context.Background(), smallConfig(), Job{
		Frames: 10,
		Scenes: []synth.Scene{{StartFrame: 0, EndFrame: 4}},
	}, ev, nil)
	require.Error(t, err)
	require.Len(t, ev.errors, 1)
	require.Equal(t, "Source Error", ev.errors[0].Title)
}

func TestProcessStreamReportsBadConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.MinQP, cfg.MaxQP = 40, 20
	ev := &events{}
	_, err := ProcessStream(context.Background(), cfg, Job{Frames: 4}, ev, nil)
	require.ErrorContains(t, err, "min_qp")
	require.Equal(t, "Configuration Error", ev.errors[0].Title)
}
