// Package processing runs one encode job end to end: it sizes the session
// for the host, builds the synthetic source and stages, reports progress
// and writes the packet stream.
package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/pipeline"
	"github.com/five82/vp9pipe/internal/ratecontrol"
	"github.com/five82/vp9pipe/internal/reporter"
	"github.com/five82/vp9pipe/internal/synth"
	"github.com/five82/vp9pipe/internal/util"
	"github.com/five82/vp9pipe/internal/validation"
)

// tempPrefix names the partial output files of running jobs.
const tempPrefix = "vp9pipe"

// Job describes one synthetic stream to encode.
type Job struct {
	Frames int
	Scenes []synth.Scene // nil means one scene
	Seed   uint64
	Output string // packet stream path, empty to discard
}

// EncodeResult contains the result of one job.
type EncodeResult struct {
	OutputFile   string
	Frames       int
	Packets      int
	ShowExisting int
	Bytes        uint64
	Bitrate      float64
	AverageQP    float64
	SceneChanges []int64
	Duration     time.Duration
	EncodingFPS  float64
	RateControl  ratecontrol.Summary

	// Validation runs only when the stream was written to a file.
	ValidationPassed bool
	ValidationSteps  []validation.ValidationStep
}

// ProcessStream encodes job with cfg. cfg is validated and may have its
// worker counts and picture pool capped for the host.
func ProcessStream(ctx context.Context, cfg *config.Config, job Job, rep reporter.Reporter, log *zap.Logger) (*EncodeResult, error) {
	if rep == nil {
		rep = reporter.NullReporter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()

	hostname, _ := os.Hostname()
	rep.Hardware(reporter.HardwareSummary{
		Hostname:    hostname,
		Cores:       util.LogicalCores(),
		MemoryBytes: util.AvailableMemoryBytes(),
	})

	scenes := job.Scenes
	if scenes == nil {
		scenes = synth.EvenScenes(job.Frames, job.Frames)
	}
	source, err := synth.NewSource(job.Frames, scenes, job.Seed)
	if err != nil {
		return nil, reportError(rep, "Source Error", err, "Check the scene list covers every frame exactly once")
	}

	if err := cfg.Validate(); err != nil {
		return nil, reportError(rep, "Configuration Error", err, "")
	}
	capHost(cfg, rep)
	scs := config.NewSequenceControlSet(cfg)

	outputName := "(discarded)"
	if job.Output != "" {
		outputName = job.Output
	}
	rep.Initialization(reporter.InitializationSummary{
		Source:     fmt.Sprintf("synthetic (seed %d)", job.Seed),
		Output:     outputName,
		Resolution: fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		FrameRate:  fmt.Sprintf("%.3g fps", cfg.FrameRate()),
		Frames:     uint64(job.Frames),
		Scenes:     len(scenes),
	})
	rep.EncodingConfig(configSummary(scs))

	var sink *pipeline.WriterSink
	var tmp *util.TempFile
	if job.Output != "" {
		dir := filepath.Dir(job.Output)
		if err := util.EnsureDirectoryWritable(dir); err != nil {
			return nil, reportError(rep, "Output Error", err, "Check the output directory permissions")
		}
		util.CheckDiskSpace(dir, func(format string, args ...any) {
			rep.Warning(fmt.Sprintf(format, args...))
		})
		if tmp, err = util.CreateTempFile(job.Output, tempPrefix); err != nil {
			return nil, reportError(rep, "Output Error", err, "")
		}
		defer func() { _ = tmp.Cleanup() }()
		sink = pipeline.NewWriterSink(tmp)
	}

	var packets pipeline.PacketSink
	if sink != nil {
		packets = sink
	}
	session, err := pipeline.New(scs, log, job.Frames, pipeline.Stages{
		Analyzer:        synth.NewAnalyzer(scs, source),
		MotionEstimator: synth.NewMotionEstimator(scs),
		Reconstructor:   synth.Reconstructor{},
		Coder:           synth.Coder{},
		Packer:          synth.Packer{},
	}, packets, pipeline.Callbacks{
		Progress: func(p pipeline.Progress) {
			rep.EncodingProgress(reporter.ProgressSnapshot{
				FramesDone:  uint64(p.FramesDone),
				TotalFrames: uint64(p.TotalFrames),
				Percent:     p.Percent(),
				FPS:         p.FPS(),
				Bitrate:     p.Bitrate(),
				AverageQP:   p.AverageQP(),
				ETA:         p.ETA(),
			})
		},
		SceneChange: rep.SceneChange,
		Assigned: func(a ratecontrol.Assignment) {
			rep.RateControlUpdate(reporter.RateControlUpdate{
				PictureNumber: a.PictureNumber,
				TemporalLayer: a.TemporalLayer,
				SliceType:     a.SliceType.String(),
				QP:            a.QP,
				TargetBits:    a.TargetBits,
			})
		},
	})
	if err != nil {
		return nil, reportError(rep, "Pipeline Error", err, "")
	}

	rep.EncodingStarted(uint64(job.Frames))
	res, err := session.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			rep.Warning(fmt.Sprintf("Encoding cancelled: %v", err))
			return nil, err
		}
		return nil, reportError(rep, "Encoding Failed", err, "Run with --verbose and check the log file")
	}
	if err := session.Idle(); err != nil {
		rep.Warning(err.Error())
	}

	if sink != nil {
		if err := sink.Flush(); err != nil {
			return nil, reportError(rep, "Output Error", err, "")
		}
		if err := tmp.Commit(); err != nil {
			return nil, reportError(rep, "Output Error", err, "")
		}
	}

	out := summarize(cfg, job, res, time.Since(start))
	if job.Output != "" {
		out.ValidationPassed, out.ValidationSteps = validate(cfg, job)
		var repSteps []reporter.ValidationStep
		for _, s := range out.ValidationSteps {
			repSteps = append(repSteps, reporter.ValidationStep{
				Name:    s.Name,
				Passed:  s.Passed,
				Details: s.Details,
			})
		}
		rep.ValidationComplete(reporter.ValidationSummary{
			Passed: out.ValidationPassed,
			Steps:  repSteps,
		})
		log.Info("validation finished", zap.Bool("passed", out.ValidationPassed))
	}
	rep.EncodingComplete(outcome(cfg, out))
	rep.OperationComplete(fmt.Sprintf("Encoded %d frames in %s", out.Frames,
		util.FormatDurationFromSecs(int64(out.Duration.Seconds()))))
	return out, nil
}

// validate reads the committed stream back and checks it against the job.
func validate(cfg *config.Config, job Job) (bool, []validation.ValidationStep) {
	result, err := validation.ValidateOutputStream(job.Output, validation.Options{
		ExpectedFrames: &job.Frames,
		QPRange:        &[2]uint8{cfg.MinQP, cfg.MaxQP},
	})
	if err != nil {
		return false, []validation.ValidationStep{
			{Name: "Validation", Passed: false, Details: err.Error()},
		}
	}
	return result.IsValid(), result.GetValidationSteps()
}

// capHost lowers worker counts and the picture pool to what the host's
// memory allows.
func capHost(cfg *config.Config, rep reporter.Reporter) {
	for _, w := range []struct {
		name  string
		value *int
	}{
		{"analysis", &cfg.AnalysisWorkers},
		{"reconstruction", &cfg.ReconWorkers},
		{"entropy", &cfg.EntropyWorkers},
	} {
		if n, capped := util.CapWorkers(*w.value, cfg.Width, cfg.Height); capped {
			rep.Warning(fmt.Sprintf("Reduced %s workers from %d to %d for available memory", w.name, *w.value, n))
			*w.value = n
		}
	}
	if cfg.PicturePoolSize > 0 {
		if n, capped := util.CapPictures(cfg.PicturePoolSize, cfg.Width, cfg.Height); capped {
			rep.Warning(fmt.Sprintf("Reduced picture pool from %d to %d for available memory", cfg.PicturePoolSize, n))
			cfg.PicturePoolSize = n
		}
	}
}

func reportError(rep reporter.Reporter, title string, err error, suggestion string) error {
	rep.Error(reporter.ReporterError{
		Title:      title,
		Message:    err.Error(),
		Suggestion: suggestion,
	})
	return err
}

func configSummary(scs *config.SequenceControlSet) reporter.EncodingConfigSummary {
	intra := "first picture only"
	switch ip := scs.IntraPeriod; {
	case ip == 0:
		intra = "every picture"
	case ip > 0:
		intra = fmt.Sprintf("%d pictures", ip+1)
	}

	target := fmt.Sprintf("qp %d", scs.QP)
	if scs.RateControlMode != config.RCConstantQP {
		target = util.FormatBitrate(float64(scs.TargetBitrate))
	}

	scd := "off"
	switch scs.SceneChangeMode {
	case config.SCDNormal:
		scd = "normal"
	case config.SCDStrict:
		scd = "strict"
	}

	return reporter.EncodingConfigSummary{
		Structure:      scs.PredStructure.String(),
		Levels:         scs.HierarchicalLevels,
		IntraPeriod:    intra,
		RateControl:    scs.RateControlMode.String(),
		Target:         target,
		QPRange:        fmt.Sprintf("%d-%d", scs.MinQP, scs.MaxQP),
		Tune:           scs.Tune.String(),
		SceneDetection: scd,
		Workers: fmt.Sprintf("analysis %d, recon %d, entropy %d",
			scs.AnalysisWorkers, scs.ReconWorkers, scs.EntropyWorkers),
		PicturePool: scs.PicturePoolSize,
	}
}

func summarize(cfg *config.Config, job Job, res *pipeline.Result, elapsed time.Duration) *EncodeResult {
	out := &EncodeResult{
		OutputFile:   job.Output,
		Frames:       int(res.Displayed),
		Packets:      res.Packets,
		ShowExisting: res.ShowExisting,
		Bytes:        uint64(res.Bits / 8),
		AverageQP:    res.RateControl.AverageQP(),
		SceneChanges: res.SceneChanges,
		Duration:     elapsed,
		RateControl:  res.RateControl,
	}
	if seconds := float64(res.Displayed) / cfg.FrameRate(); seconds > 0 {
		out.Bitrate = float64(res.Bits) / seconds
	}
	if elapsed > 0 {
		out.EncodingFPS = float64(res.Displayed) / elapsed.Seconds()
	}
	return out
}

func outcome(cfg *config.Config, r *EncodeResult) reporter.EncodingOutcome {
	o := reporter.EncodingOutcome{
		OutputFile:    r.OutputFile,
		Frames:        uint64(r.Frames),
		Packets:       uint64(r.Packets),
		ShowExisting:  uint64(r.ShowExisting),
		Bytes:         r.Bytes,
		Bitrate:       r.Bitrate,
		AverageQP:     r.AverageQP,
		SceneChanges:  len(r.SceneChanges),
		VBVUnderflows: r.RateControl.VBVUnderflows,
		TotalTime:     r.Duration,
		FPS:           r.EncodingFPS,
	}
	if cfg.RateControlMode != config.RCConstantQP {
		o.TargetBitrate = float64(cfg.TargetBitrate)
	}
	for layer, l := range r.RateControl.Layers {
		if l.Frames == 0 {
			continue
		}
		o.Layers = append(o.Layers, reporter.LayerOutcome{
			Layer:     layer,
			Frames:    l.Frames,
			Bytes:     uint64(l.Bits / 8),
			AverageQP: l.AverageQP(),
		})
	}
	return o
}
