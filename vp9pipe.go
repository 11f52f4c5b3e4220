// Package vp9pipe provides the cross-picture scheduling core of a parallel
// VP9-class encoder: picture decision, reference tracking, the picture
// manager, rate control, row-synchronized entropy coding and packetization.
//
// The per-picture kernels are synthetic, so a stream is described by its
// length and scene cuts rather than read from a file.
//
// Basic usage:
//
//	encoder, err := vp9pipe.New(
//	    vp9pipe.WithRateControl(vp9pipe.RateControlVBR),
//	    vp9pipe.WithBitrate(2_000_000),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := encoder.Encode(ctx, vp9pipe.Stream{Frames: 300, Output: "out.vp9"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Encoded %d frames at %.0f bps\n", result.Frames, result.Bitrate)
package vp9pipe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/processing"
	"github.com/five82/vp9pipe/internal/reporter"
	"github.com/five82/vp9pipe/internal/synth"
)

// RateControlMode selects how picture QPs are chosen.
type RateControlMode = config.RateControlMode

// Rate control modes.
const (
	RateControlCQP = config.RCConstantQP
	RateControlVBR = config.RCVariableBitrate
	RateControlCBR = config.RCConstantBitrate
)

// Tune selects the QP strategy.
type Tune = config.Tune

// Tunes.
const (
	TuneSQ   = config.TuneSQ
	TuneOQ   = config.TuneOQ
	TuneVMAF = config.TuneVMAF
)

// SceneChangeMode selects the scene-change detector sensitivity.
type SceneChangeMode = config.SceneChangeMode

// Scene-change modes.
const (
	SceneChangeOff    = config.SCDOff
	SceneChangeNormal = config.SCDNormal
	SceneChangeStrict = config.SCDStrict
)

// Encoder is the main entry point for encoding.
type Encoder struct {
	config *config.Config
	logger *zap.Logger
}

// Stream describes the synthetic source to encode.
type Stream struct {
	Frames    int
	SceneCuts []int  // first frame of each scene; frame 0 is implied
	SceneFile string // scene list file, overrides SceneCuts
	Seed      uint64
	Output    string // packet stream path, empty to discard
}

// Result contains the result of one encode.
type Result struct {
	OutputFile    string
	Frames        int
	Packets       int
	ShowExisting  int
	EncodedSize   uint64
	Bitrate       float64
	AverageQP     float64
	SceneChanges  []int64
	VBVUnderflows int
	Duration      time.Duration
	EncodingSpeed float32 // frames per second

	// ValidationPassed is set when the written stream passed every check.
	// Streams that are not written are not validated.
	ValidationPassed bool
}

type options struct {
	config *config.Config
	logger *zap.Logger
}

// Option configures the encoder.
type Option func(*options)

// New creates a new Encoder with the given options.
func New(opts ...Option) (*Encoder, error) {
	o := options{config: config.NewConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.config.Validate(); err != nil {
		return nil, err
	}

	return &Encoder{config: o.config, logger: o.logger}, nil
}

// WithResolution sets the frame size in pixels.
func WithResolution(width, height uint32) Option {
	return func(o *options) {
		o.config.Width, o.config.Height = width, height
	}
}

// WithFrameRate sets the frame rate as a fraction.
func WithFrameRate(num, den uint32) Option {
	return func(o *options) {
		o.config.FrameRateNum, o.config.FrameRateDen = num, den
	}
}

// WithHierarchicalLevels sets the pyramid depth of random-access mini-GOPs
// (0-4). Mini-GOPs hold 2^levels pictures.
func WithHierarchicalLevels(levels uint8) Option {
	return func(o *options) {
		o.config.HierarchicalLevels = levels
	}
}

// WithLowDelay codes every picture forward-predicted from the previous one.
func WithLowDelay() Option {
	return func(o *options) {
		o.config.PredStructure = config.PredLowDelayP
	}
}

// WithIntraPeriod sets the key frame distance: -1 for the first picture
// only, 0 for every picture, N for every N+1 pictures.
func WithIntraPeriod(period int) Option {
	return func(o *options) {
		o.config.IntraPeriod = period
	}
}

// WithSceneChangeMode sets the scene-change detector sensitivity.
func WithSceneChangeMode(mode SceneChangeMode) Option {
	return func(o *options) {
		o.config.SceneChangeMode = mode
	}
}

// WithRateControl sets the rate control mode.
func WithRateControl(mode RateControlMode) Option {
	return func(o *options) {
		o.config.RateControlMode = mode
	}
}

// WithBitrate sets the VBR/CBR target in bits per second.
func WithBitrate(bps uint32) Option {
	return func(o *options) {
		o.config.TargetBitrate = bps
	}
}

// WithQP sets the CQP quantizer and the rate control starting point.
func WithQP(qp uint8) Option {
	return func(o *options) {
		o.config.QP = qp
	}
}

// WithQPRange bounds every chosen QP.
func WithQPRange(minQP, maxQP uint8) Option {
	return func(o *options) {
		o.config.MinQP, o.config.MaxQP = minQP, maxQP
	}
}

// WithVBV sets the decoder buffer size in bits and its initial fullness in
// percent.
func WithVBV(size uint32, initialPercent uint8) Option {
	return func(o *options) {
		o.config.VBVBufferSize = size
		o.config.VBVInitialPercent = initialPercent
	}
}

// WithLookahead sets the rate control look-ahead in pictures. 0 derives it
// from the mini-GOP size.
func WithLookahead(pictures int) Option {
	return func(o *options) {
		o.config.LookAheadDistance = pictures
	}
}

// WithTune sets the QP strategy.
func WithTune(tune Tune) Option {
	return func(o *options) {
		o.config.Tune = tune
	}
}

// WithWorkers sets the analysis, reconstruction and entropy coding worker
// counts.
func WithWorkers(analysis, recon, entropy int) Option {
	return func(o *options) {
		o.config.AnalysisWorkers = analysis
		o.config.ReconWorkers = recon
		o.config.EntropyWorkers = entropy
	}
}

// WithPicturePool sets the number of pictures in flight. 0 derives it from
// the look-ahead.
func WithPicturePool(size int) Option {
	return func(o *options) {
		o.config.PicturePoolSize = size
	}
}

// WithReferenceFeedback holds pictures until the packet feedback of every
// reference they read has reached rate control.
func WithReferenceFeedback() Option {
	return func(o *options) {
		o.config.RequireReferenceFeedback = true
	}
}

// WithLogger sets the structured logger the pipeline stages write to.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithVerbose enables verbose reporting.
func WithVerbose() Option {
	return func(o *options) {
		o.config.Verbose = true
	}
}

// EncodeWithReporter encodes a stream using a custom Reporter.
// This provides direct access to all encoding events, unlike Encode which
// uses the EventHandler abstraction.
func (e *Encoder) EncodeWithReporter(ctx context.Context, stream Stream, rep Reporter) (*Result, error) {
	if rep == nil {
		rep = reporter.NullReporter{}
	}
	return e.encode(ctx, stream, rep)
}

// Encode encodes a stream.
func (e *Encoder) Encode(ctx context.Context, stream Stream, handler EventHandler) (*Result, error) {
	var rep reporter.Reporter = reporter.NullReporter{}
	if handler != nil {
		rep = newEventReporter(handler)
	}
	return e.encode(ctx, stream, rep)
}

func (e *Encoder) encode(ctx context.Context, stream Stream, rep reporter.Reporter) (*Result, error) {
	if stream.Frames < 1 {
		return nil, fmt.Errorf("stream needs at least one frame, got %d", stream.Frames)
	}

	var scenes []synth.Scene
	switch {
	case stream.SceneFile != "":
		var err error
		if scenes, err = synth.LoadScenes(stream.SceneFile, stream.Frames); err != nil {
			return nil, fmt.Errorf("failed to load scenes: %w", err)
		}
	case len(stream.SceneCuts) > 0:
		scenes = synth.ScenesFromCuts(stream.SceneCuts, stream.Frames)
	}

	cfg := *e.config
	r, err := processing.ProcessStream(ctx, &cfg, processing.Job{
		Frames: stream.Frames,
		Scenes: scenes,
		Seed:   stream.Seed,
		Output: stream.Output,
	}, rep, e.logger)
	if err != nil {
		return nil, err
	}

	return &Result{
		OutputFile:    r.OutputFile,
		Frames:        r.Frames,
		Packets:       r.Packets,
		ShowExisting:  r.ShowExisting,
		EncodedSize:   r.Bytes,
		Bitrate:       r.Bitrate,
		AverageQP:     r.AverageQP,
		SceneChanges:  r.SceneChanges,
		VBVUnderflows: r.RateControl.VBVUnderflows,
		Duration:      r.Duration,
		EncodingSpeed: float32(r.EncodingFPS),

		ValidationPassed: r.ValidationPassed,
	}, nil
}

// eventReporter adapts EventHandler to the Reporter interface.
type eventReporter struct {
	reporter.NullReporter
	handler EventHandler
}

func newEventReporter(handler EventHandler) *eventReporter {
	return &eventReporter{handler: handler}
}

func (r *eventReporter) EncodingStarted(totalFrames uint64) {
	_ = r.handler(EncodingStartedEvent{
		BaseEvent:   BaseEvent{EventType: EventTypeEncodingStarted, Time: NewTimestamp()},
		TotalFrames: totalFrames,
	})
}

func (r *eventReporter) EncodingProgress(p reporter.ProgressSnapshot) {
	_ = r.handler(EncodingProgressEvent{
		BaseEvent:  BaseEvent{EventType: EventTypeEncodingProgress, Time: NewTimestamp()},
		Percent:    p.Percent,
		FramesDone: p.FramesDone,
		FPS:        p.FPS,
		Bitrate:    p.Bitrate,
		AverageQP:  p.AverageQP,
		ETASeconds: int64(p.ETA.Seconds()),
	})
}

func (r *eventReporter) SceneChange(pictureNumber int64) {
	_ = r.handler(SceneChangeEvent{
		BaseEvent:     BaseEvent{EventType: EventTypeSceneChange, Time: NewTimestamp()},
		PictureNumber: pictureNumber,
	})
}

func (r *eventReporter) ValidationComplete(s reporter.ValidationSummary) {
	steps := make([]ValidationStep, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = ValidationStep{
			Step:    step.Name,
			Passed:  step.Passed,
			Details: step.Details,
		}
	}
	_ = r.handler(ValidationCompleteEvent{
		BaseEvent:        BaseEvent{EventType: EventTypeValidationComplete, Time: NewTimestamp()},
		ValidationPassed: s.Passed,
		ValidationSteps:  steps,
	})
}

func (r *eventReporter) EncodingComplete(s reporter.EncodingOutcome) {
	_ = r.handler(EncodingCompleteEvent{
		BaseEvent:     BaseEvent{EventType: EventTypeEncodingComplete, Time: NewTimestamp()},
		OutputFile:    s.OutputFile,
		Frames:        s.Frames,
		EncodedSize:   s.Bytes,
		Bitrate:       s.Bitrate,
		AverageQP:     s.AverageQP,
		VBVUnderflows: s.VBVUnderflows,
	})
}

func (r *eventReporter) Warning(message string) {
	_ = r.handler(WarningEvent{
		BaseEvent: BaseEvent{EventType: EventTypeWarning, Time: NewTimestamp()},
		Message:   message,
	})
}

func (r *eventReporter) Error(e reporter.ReporterError) {
	_ = r.handler(ErrorEvent{
		BaseEvent:  BaseEvent{EventType: EventTypeError, Time: NewTimestamp()},
		Title:      e.Title,
		Message:    e.Message,
		Context:    e.Context,
		Suggestion: e.Suggestion,
	})
}
