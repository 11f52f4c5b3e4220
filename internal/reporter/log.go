package reporter

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/five82/vp9pipe/internal/util"
)

// LogReporter writes encoding events to a log file.
type LogReporter struct {
	w                  io.Writer
	mu                 sync.Mutex
	lastProgressBucket int // Track progress in 5% buckets
	verbose            bool
}

// NewLogReporter creates a new log reporter that writes to the given writer.
// Per-picture rate control updates are written only when verbose is set.
func NewLogReporter(w io.Writer, verbose bool) *LogReporter {
	return &LogReporter{
		w:                  w,
		lastProgressBucket: -1,
		verbose:            verbose,
	}
}

func (r *LogReporter) log(level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	_, _ = fmt.Fprintf(r.w, "%s [%s] %s\n", timestamp, level, msg)
}

func (r *LogReporter) Hardware(summary HardwareSummary) {
	r.log("INFO", "=== HARDWARE ===")
	r.log("INFO", "Hostname: %s", summary.Hostname)
	r.log("INFO", "Cores: %d", summary.Cores)
	r.log("INFO", "Available memory: %s", util.FormatBytesReadable(summary.MemoryBytes))
}

func (r *LogReporter) Initialization(summary InitializationSummary) {
	r.log("INFO", "=== SOURCE ===")
	r.log("INFO", "Source: %s", summary.Source)
	r.log("INFO", "Output: %s", summary.Output)
	r.log("INFO", "Resolution: %s @ %s", summary.Resolution, summary.FrameRate)
	r.log("INFO", "Frames: %d in %d scenes", summary.Frames, summary.Scenes)
}

func (r *LogReporter) EncodingConfig(summary EncodingConfigSummary) {
	r.log("INFO", "=== ENCODING CONFIG ===")
	r.log("INFO", "Structure: %s, %d levels", summary.Structure, summary.Levels)
	r.log("INFO", "Intra period: %s", summary.IntraPeriod)
	r.log("INFO", "Rate control: %s (%s)", summary.RateControl, summary.Target)
	r.log("INFO", "QP range: %s", summary.QPRange)
	r.log("INFO", "Tune: %s", summary.Tune)
	r.log("INFO", "Scene detection: %s", summary.SceneDetection)
	r.log("INFO", "Workers: %s, picture pool %d", summary.Workers, summary.PicturePool)
}

func (r *LogReporter) StageProgress(update StageProgress) {
	r.log("INFO", "[%s] %s", strings.ToUpper(update.Stage), update.Message)
}

func (r *LogReporter) EncodingStarted(totalFrames uint64) {
	r.mu.Lock()
	r.lastProgressBucket = -1
	r.mu.Unlock()
	r.log("INFO", "=== ENCODING STARTED === (total frames: %d)", totalFrames)
}

func (r *LogReporter) EncodingProgress(progress ProgressSnapshot) {
	// Log progress at 5% intervals
	bucket := int(progress.Percent / 5)
	r.mu.Lock()
	if bucket > r.lastProgressBucket && bucket <= 20 {
		r.lastProgressBucket = bucket
		r.mu.Unlock()
		r.log("INFO", "Progress: %.0f%% (%d/%d frames, fps %.1f, %s, avg qp %.1f, eta %s)",
			progress.Percent, progress.FramesDone, progress.TotalFrames, progress.FPS,
			util.FormatBitrate(progress.Bitrate), progress.AverageQP,
			util.FormatDurationFromSecs(int64(progress.ETA.Seconds())))
	} else {
		r.mu.Unlock()
	}
}

func (r *LogReporter) SceneChange(pictureNumber int64) {
	r.log("INFO", "Scene change at picture %d", pictureNumber)
}

func (r *LogReporter) RateControlUpdate(update RateControlUpdate) {
	if !r.verbose {
		return
	}
	r.log("DEBUG", "QP %d for picture %d (%s, layer %d, target %.0f bits)",
		update.QP, update.PictureNumber, update.SliceType, update.TemporalLayer, update.TargetBits)
}

func (r *LogReporter) ValidationComplete(summary ValidationSummary) {
	r.log("INFO", "=== VALIDATION ===")
	if summary.Passed {
		r.log("INFO", "Result: PASSED")
	} else {
		r.log("WARN", "Result: FAILED")
	}

	for _, step := range summary.Steps {
		status := "ok"
		if !step.Passed {
			status = "FAILED"
		}
		r.log("INFO", "  - %s: %s (%s)", step.Name, status, step.Details)
	}
}

func (r *LogReporter) EncodingComplete(summary EncodingOutcome) {
	r.log("INFO", "=== RESULTS ===")
	r.log("INFO", "Output: %s", summary.OutputFile)
	r.log("INFO", "Frames: %d (%d packets, %d show-existing)", summary.Frames, summary.Packets, summary.ShowExisting)
	r.log("INFO", "Size: %s", util.FormatBytesReadable(summary.Bytes))
	if summary.TargetBitrate > 0 {
		r.log("INFO", "Bitrate: %s (target %s, %+.1f%%)",
			util.FormatBitrate(summary.Bitrate), util.FormatBitrate(summary.TargetBitrate),
			util.CalculateDeviation(summary.TargetBitrate, summary.Bitrate))
	} else {
		r.log("INFO", "Bitrate: %s", util.FormatBitrate(summary.Bitrate))
	}
	r.log("INFO", "Average QP: %.2f", summary.AverageQP)
	r.log("INFO", "Scene changes: %d, VBV underflows: %d", summary.SceneChanges, summary.VBVUnderflows)
	for _, l := range summary.Layers {
		r.log("INFO", "  - layer %d: %d frames, %s, avg qp %.2f",
			l.Layer, l.Frames, util.FormatBytesReadable(l.Bytes), l.AverageQP)
	}
	r.log("INFO", "Time: %s (%.1f fps)",
		util.FormatDurationFromSecs(int64(summary.TotalTime.Seconds())), summary.FPS)
}

func (r *LogReporter) Warning(message string) {
	r.log("WARN", "%s", message)
}

func (r *LogReporter) Error(err ReporterError) {
	r.log("ERROR", "%s: %s", err.Title, err.Message)
	if err.Context != "" {
		r.log("ERROR", "  Context: %s", err.Context)
	}
	if err.Suggestion != "" {
		r.log("ERROR", "  Suggestion: %s", err.Suggestion)
	}
}

func (r *LogReporter) OperationComplete(message string) {
	r.log("INFO", "=== COMPLETE === %s", message)
}

func (r *LogReporter) Verbose(message string) {
	r.log("DEBUG", "%s", message)
}
