// Package reporter defines the progress and result reporting interface of an
// encode session and its terminal, log and composite implementations.
package reporter

import "time"

// Reporter receives encode session events. Implementations must be safe
// for concurrent use: pipeline stages report from their own goroutines.
type Reporter interface {
	Hardware(summary HardwareSummary)
	Initialization(summary InitializationSummary)
	EncodingConfig(summary EncodingConfigSummary)
	StageProgress(update StageProgress)
	EncodingStarted(totalFrames uint64)
	EncodingProgress(progress ProgressSnapshot)
	SceneChange(pictureNumber int64)
	RateControlUpdate(update RateControlUpdate)
	ValidationComplete(summary ValidationSummary)
	EncodingComplete(summary EncodingOutcome)
	Warning(message string)
	Error(err ReporterError)
	OperationComplete(message string)
	Verbose(message string)
}

// HardwareSummary contains host information.
type HardwareSummary struct {
	Hostname    string
	Cores       int
	MemoryBytes uint64
}

// InitializationSummary describes the source before encoding.
type InitializationSummary struct {
	Source     string
	Output     string
	Resolution string
	FrameRate  string
	Frames     uint64
	Scenes     int
}

// EncodingConfigSummary contains the encode configuration.
type EncodingConfigSummary struct {
	Structure      string
	Levels         uint8
	IntraPeriod    string
	RateControl    string
	Target         string
	QPRange        string
	Tune           string
	SceneDetection string
	Workers        string
	PicturePool    int
}

// StageProgress represents a generic stage update.
type StageProgress struct {
	Stage   string
	Message string
}

// ProgressSnapshot contains encoding progress information.
type ProgressSnapshot struct {
	FramesDone  uint64
	TotalFrames uint64
	Percent     float32
	FPS         float32
	Bitrate     float64 // bits per second so far
	AverageQP   float64
	ETA         time.Duration
}

// RateControlUpdate describes one QP decision.
type RateControlUpdate struct {
	PictureNumber int64
	TemporalLayer int
	SliceType     string
	QP            uint8
	TargetBits    float64
}

// ValidationStep is one check of the written stream.
type ValidationStep struct {
	Name    string
	Passed  bool
	Details string
}

// ValidationSummary contains validation results.
type ValidationSummary struct {
	Passed bool
	Steps  []ValidationStep
}

// LayerOutcome summarizes one temporal layer.
type LayerOutcome struct {
	Layer     int
	Frames    int
	Bytes     uint64
	AverageQP float64
}

// EncodingOutcome contains final encoding results.
type EncodingOutcome struct {
	OutputFile    string
	Frames        uint64
	Packets       uint64
	ShowExisting  uint64
	Bytes         uint64
	Bitrate       float64
	TargetBitrate float64
	AverageQP     float64
	SceneChanges  int
	VBVUnderflows int
	Layers        []LayerOutcome
	TotalTime     time.Duration
	FPS           float64
}

// ReporterError contains error information.
type ReporterError struct {
	Title      string
	Message    string
	Context    string
	Suggestion string
}

// NullReporter is a no-op reporter that discards all updates.
type NullReporter struct{}

func (NullReporter) Hardware(HardwareSummary) {}
func (NullReporter) Initialization(InitializationSummary) {}
func (NullReporter) EncodingConfig(EncodingConfigSummary) {}
func (NullReporter) StageProgress(StageProgress) {}
func (NullReporter) EncodingStarted(uint64) {}
func (NullReporter) EncodingProgress(ProgressSnapshot) {}
func (NullReporter) SceneChange(int64) {}
func (NullReporter) RateControlUpdate(RateControlUpdate) {}
func (NullReporter) ValidationComplete(ValidationSummary) {}
func (NullReporter) EncodingComplete(EncodingOutcome) {}
func (NullReporter) Warning(string) {}
func (NullReporter) Error(ReporterError) {}
func (NullReporter) OperationComplete(string) {}
func (NullReporter) Verbose(string) {}

// CompositeReporter forwards every event to each of its reporters.
type CompositeReporter struct {
	reporters []Reporter
}

// NewCompositeReporter creates a reporter that fans out to reporters. Nil
// entries are skipped.
func NewCompositeReporter(reporters ...Reporter) *CompositeReporter {
	c := &CompositeReporter{}
	for _, r := range reporters {
		if r != nil {
			c.reporters = append(c.reporters, r)
		}
	}
	return c
}

func (c *CompositeReporter) each(fn func(Reporter)) {
	for _, r := range c.reporters {
		fn(r)
	}
}

func (c *CompositeReporter) Hardware(s HardwareSummary) {
	c.each(func(r Reporter) { r.Hardware(s) })
}

func (c *CompositeReporter) Initialization(s InitializationSummary) {
	c.each(func(r Reporter) { r.Initialization(s) })
}

func (c *CompositeReporter) EncodingConfig(s EncodingConfigSummary) {
	c.each(func(r Reporter) { r.EncodingConfig(s) })
}

func (c *CompositeReporter) StageProgress(u StageProgress) {
	c.each(func(r Reporter) { r.StageProgress(u) })
}

func (c *CompositeReporter) EncodingStarted(totalFrames uint64) {
	c.each(func(r Reporter) { r.EncodingStarted(totalFrames) })
}

func (c *CompositeReporter) EncodingProgress(p ProgressSnapshot) {
	c.each(func(r Reporter) { r.EncodingProgress(p) })
}

func (c *CompositeReporter) SceneChange(pictureNumber int64) {
	c.each(func(r Reporter) { r.SceneChange(pictureNumber) })
}

func (c *CompositeReporter) RateControlUpdate(u RateControlUpdate) {
	c.each(func(r Reporter) { r.RateControlUpdate(u) })
}

func (c *CompositeReporter) ValidationComplete(s ValidationSummary) {
	c.each(func(r Reporter) { r.ValidationComplete(s) })
}

func (c *CompositeReporter) EncodingComplete(s EncodingOutcome) {
	c.each(func(r Reporter) { r.EncodingComplete(s) })
}

func (c *CompositeReporter) Warning(message string) {
	c.each(func(r Reporter) { r.Warning(message) })
}

func (c *CompositeReporter) Error(err ReporterError) {
	c.each(func(r Reporter) { r.Error(err) })
}

func (c *CompositeReporter) OperationComplete(message string) {
	c.each(func(r Reporter) { r.OperationComplete(message) })
}

func (c *CompositeReporter) Verbose(message string) {
	c.each(func(r Reporter) { r.Verbose(message) })
}
