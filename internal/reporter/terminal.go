package reporter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/five82/vp9pipe/internal/util"
)

// TerminalReporter outputs human-friendly text to the terminal.
type TerminalReporter struct {
	mu           sync.Mutex
	out          io.Writer
	errOut       io.Writer
	progress     *progressbar.ProgressBar
	maxPercent   float32
	lastStage    string
	sceneChanges int
	verbose      bool
	cyan         *color.Color
	green        *color.Color
	yellow       *color.Color
	red          *color.Color
	magenta      *color.Color
	bold         *color.Color
	dim          *color.Color
}

// NewTerminalReporter creates a new terminal reporter with verbose mode disabled.
func NewTerminalReporter() *TerminalReporter {
	return NewTerminalReporterVerbose(false)
}

// NewTerminalReporterVerbose creates a new terminal reporter with configurable verbose mode.
func NewTerminalReporterVerbose(verbose bool) *TerminalReporter {
	return newTerminalReporter(os.Stdout, os.Stderr, verbose)
}

func newTerminalReporter(out, errOut io.Writer, verbose bool) *TerminalReporter {
	return &TerminalReporter{
		out:     out,
		errOut:  errOut,
		verbose: verbose,
		cyan:    color.New(color.FgCyan, color.Bold),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow, color.Bold),
		red:     color.New(color.FgRed, color.Bold),
		magenta: color.New(color.FgMagenta),
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
	}
}

func (r *TerminalReporter) finishProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress != nil {
		_ = r.progress.Finish()
		r.progress = nil
	}
	r.maxPercent = 0
}

// labelWidth is the global width for all labels to ensure consistent alignment.
const labelWidth = 18

// printLabel prints a bold label with fixed width padding followed by a value.
func (r *TerminalReporter) printLabel(label, value string) {
	paddedLabel := fmt.Sprintf("%-*s", labelWidth, label)
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.bold.Sprint(paddedLabel), value)
}

func (r *TerminalReporter) heading(title string) {
	_, _ = fmt.Fprintln(r.out)
	_, _ = r.cyan.Fprintln(r.out, title)
}

func (r *TerminalReporter) Hardware(summary HardwareSummary) {
	r.heading("HARDWARE")
	r.printLabel("Hostname:", summary.Hostname)
	r.printLabel("Cores:", fmt.Sprint(summary.Cores))
	r.printLabel("Memory:", util.FormatBytesReadable(summary.MemoryBytes))
}

func (r *TerminalReporter) Initialization(summary InitializationSummary) {
	r.heading("SOURCE")
	r.printLabel("Source:", summary.Source)
	r.printLabel("Output:", summary.Output)
	r.printLabel("Resolution:", fmt.Sprintf("%s @ %s", summary.Resolution, summary.FrameRate))
	r.printLabel("Frames:", fmt.Sprintf("%d in %d scenes", summary.Frames, summary.Scenes))
}

func (r *TerminalReporter) EncodingConfig(summary EncodingConfigSummary) {
	r.heading("ENCODING")
	r.printLabel("Structure:", fmt.Sprintf("%s, %d levels", summary.Structure, summary.Levels))
	r.printLabel("Intra period:", summary.IntraPeriod)
	r.printLabel("Rate control:", fmt.Sprintf("%s (%s)", summary.RateControl, summary.Target))
	r.printLabel("QP range:", summary.QPRange)
	r.printLabel("Tune:", summary.Tune)
	r.printLabel("Scene detection:", summary.SceneDetection)
	r.printLabel("Workers:", summary.Workers)
	r.printLabel("Picture pool:", fmt.Sprint(summary.PicturePool))
}

func (r *TerminalReporter) StageProgress(update StageProgress) {
	r.mu.Lock()
	if r.lastStage != update.Stage {
		r.mu.Unlock()
		r.heading(strings.ToUpper(update.Stage))
		r.mu.Lock()
		r.lastStage = update.Stage
	}
	r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.magenta.Sprint("›"), update.Message)
}

func (r *TerminalReporter) EncodingStarted(totalFrames uint64) {
	r.finishProgress()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sceneChanges = 0
	r.progress = progressbar.NewOptions64(
		100,
		progressbar.OptionSetDescription(""),
		progressbar.OptionSetWidth(40),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(r.errOut),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "Encoding [",
			BarEnd:        "]",
		}),
	)
}

func (r *TerminalReporter) EncodingProgress(progress ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.progress == nil {
		return
	}

	clamped := min(max(progress.Percent, 0), 100)
	if clamped >= r.maxPercent {
		r.maxPercent = clamped
		_ = r.progress.Set64(int64(clamped))
	}

	r.progress.Describe(fmt.Sprintf("%d/%d, fps %.1f, %s, qp %.1f, eta %s",
		progress.FramesDone, progress.TotalFrames, progress.FPS,
		util.FormatBitrate(progress.Bitrate), progress.AverageQP,
		util.FormatDurationFromSecs(int64(progress.ETA.Seconds()))))
}

func (r *TerminalReporter) SceneChange(int64) {
	r.mu.Lock()
	r.sceneChanges++
	r.mu.Unlock()
}

func (r *TerminalReporter) RateControlUpdate(update RateControlUpdate) {
	if !r.verbose {
		return
	}
	r.Verbose(fmt.Sprintf("picture %d: %s layer %d qp %d", update.PictureNumber,
		update.SliceType, update.TemporalLayer, update.QP))
}

func (r *TerminalReporter) ValidationComplete(summary ValidationSummary) {
	r.finishProgress()

	r.heading("VALIDATION")
	if summary.Passed {
		r.printLabel("Status:", fmt.Sprintf("%s %s", r.green.Sprint("✓"), r.green.Sprint("All checks passed")))
	} else {
		r.printLabel("Status:", fmt.Sprintf("%s %s", r.red.Sprint("✗"), r.red.Sprint("Validation failed")))
	}

	for _, step := range summary.Steps {
		status := r.green.Sprint("✓")
		if !step.Passed {
			status = r.red.Sprint("✗")
		}
		r.printLabel(step.Name+":", fmt.Sprintf("%s %s", status, step.Details))
	}
}

func (r *TerminalReporter) EncodingComplete(summary EncodingOutcome) {
	r.finishProgress()

	r.heading("RESULTS")
	r.printLabel("Output:", summary.OutputFile)
	r.printLabel("Frames:", fmt.Sprintf("%d (%d packets, %d show-existing)",
		summary.Frames, summary.Packets, summary.ShowExisting))
	r.printLabel("Size:", util.FormatBytesReadable(summary.Bytes))
	if summary.TargetBitrate > 0 {
		dev := util.CalculateDeviation(summary.TargetBitrate, summary.Bitrate)
		c := r.green
		if dev > 10 || dev < -10 {
			c = r.yellow
		}
		r.printLabel("Bitrate:", fmt.Sprintf("%s (target %s, %s)",
			util.FormatBitrate(summary.Bitrate), util.FormatBitrate(summary.TargetBitrate),
			c.Sprintf("%+.1f%%", dev)))
	} else {
		r.printLabel("Bitrate:", util.FormatBitrate(summary.Bitrate))
	}
	r.printLabel("Average QP:", fmt.Sprintf("%.2f", summary.AverageQP))
	r.printLabel("Scene changes:", fmt.Sprint(summary.SceneChanges))
	if summary.VBVUnderflows > 0 {
		r.printLabel("VBV underflows:", r.red.Sprint(summary.VBVUnderflows))
	}
	for _, l := range summary.Layers {
		r.printLabel(fmt.Sprintf("Layer %d:", l.Layer), fmt.Sprintf("%d frames, %s, qp %.2f",
			l.Frames, util.FormatBytesReadable(l.Bytes), l.AverageQP))
	}
	r.printLabel("Time:", fmt.Sprintf("%s (%.1f fps)",
		util.FormatDurationFromSecs(int64(summary.TotalTime.Seconds())), summary.FPS))
}

func (r *TerminalReporter) Warning(message string) {
	_, _ = fmt.Fprintln(r.out)
	_, _ = r.yellow.Fprintf(r.out, "WARN: %s\n", message)
}

func (r *TerminalReporter) Error(err ReporterError) {
	_, _ = fmt.Fprintln(r.errOut)
	_, _ = r.red.Fprintf(r.errOut, "ERROR %s\n", err.Title)
	_, _ = fmt.Fprintf(r.errOut, "  %s\n", err.Message)
	if err.Context != "" {
		_, _ = fmt.Fprintf(r.errOut, "  Context: %s\n", err.Context)
	}
	if err.Suggestion != "" {
		_, _ = fmt.Fprintf(r.errOut, "  Suggestion: %s\n", err.Suggestion)
	}
}

func (r *TerminalReporter) OperationComplete(message string) {
	_, _ = fmt.Fprintln(r.out)
	_, _ = fmt.Fprintf(r.out, "%s %s\n", r.green.Add(color.Bold).Sprint("✓"), r.bold.Sprint(message))
}

func (r *TerminalReporter) Verbose(message string) {
	if !r.verbose {
		return
	}
	_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.dim.Sprint("›"), r.dim.Sprint(message))
}
