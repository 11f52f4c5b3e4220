// Package main provides the CLI entry point for vp9pipe.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/config"
	"github.com/five82/vp9pipe/internal/logging"
	"github.com/five82/vp9pipe/internal/processing"
	"github.com/five82/vp9pipe/internal/reporter"
	"github.com/five82/vp9pipe/internal/synth"
	"github.com/five82/vp9pipe/internal/util"
)

const (
	appName    = "vp9pipe"
	appVersion = "0.1.0"

	// staleTempAge is how old a partial output must be before it is removed.
	staleTempAge = 24 * time.Hour
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "encode":
		if err := runEncode(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", appName, appVersion)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - Parallel VP9 encoder pipeline

Usage:
  %s <command> [options]

Commands:
  encode    Encode a synthetic stream through the pipeline
  version   Print version information
  help      Show this help message

Run '%s encode --help' for encode command options.
`, appName, appName, appName)
}

// encodeArgs holds the parsed arguments for the encode command.
type encodeArgs struct {
	frames      int
	scenes      string // comma-separated cut frames
	sceneFile   string
	seed        uint64
	output      string
	logDir      string
	verbose     bool
	noLog       bool
	resolution  string
	fps         string
	levels      uint
	lowDelay    bool
	intraPeriod int
	scd         string
	rc          string
	qp          uint
	qpRange     string
	bitrate     uint
	vbv         uint
	vbvInit     uint
	lookahead   int
	tune        string
	refFeedback bool
	workers     string // analysis,recon,entropy or a single value
	pool        int
}

func runEncode(args []string) error {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Encode a synthetic stream through the pipeline.

Usage:
  %s encode [options]

Source:
  -n, --frames <N>         Number of pictures. Default: 300
  --scenes <LIST>          Comma-separated first frames of scenes, e.g. 0,120,250
  --scene-file <PATH>      Scene list file, one frame number per line
  --seed <N>               Content seed. Default: 1
  --resolution <WxH>       Frame size. Default: %dx%d
  --fps <NUM[/DEN]>        Frame rate. Default: %d

Output:
  -o, --output <PATH>      Packet stream output file (omit to discard)
  -l, --log-dir <PATH>     Log directory (defaults to ~/.local/state/%s/logs)
  --no-log                 Disable log file creation
  -v, --verbose            Enable verbose output for troubleshooting

Prediction:
  --levels <0-4>           Hierarchical levels of random-access mini-GOPs. Default: %d
  --low-delay              Low-delay P structure
  --intra-period <N>       -1 first picture only, 0 all intra, N every N+1. Default: %d
  --scd <off|normal|strict> Scene-change detection. Default: normal

Rate control:
  --rc <cqp|vbr|cbr>       Rate control mode. Default: cqp
  --qp <0-63>              CQP quantizer and starting QP. Default: %d
  --qp-range <MIN,MAX>     QP bounds. Default: %d,%d
  --bitrate <BPS>          VBR/CBR target. Default: %d
  --vbv <BITS>             VBV buffer size (0 is one second of bitrate)
  --vbv-init <0-100>       Initial VBV fullness percent. Default: 90
  --lookahead <N>          Look-ahead pictures (0 derives from mini-GOP)
  --tune <sq|oq|vmaf>      QP strategy. Default: oq
  --ref-feedback           Hold pictures until their references' feedback arrived

Parallelism:
  --workers <N|A,R,E>      Analysis, reconstruction and entropy workers. Default: %d
  --pool <N>               Pictures in flight (0 derives from look-ahead)
`, appName, config.DefaultWidth, config.DefaultHeight, config.DefaultFrameRateNum, appName,
			config.DefaultHierarchicalLevels, config.DefaultIntraPeriod, config.DefaultQP,
			config.DefaultMinQP, config.DefaultMaxQP, config.DefaultTargetBitrate, config.DefaultEntropyWorkers)
	}

	var ea encodeArgs

	fs.IntVar(&ea.frames, "n", 300, "Number of pictures")
	fs.IntVar(&ea.frames, "frames", 300, "Number of pictures")
	fs.StringVar(&ea.scenes, "scenes", "", "Scene cut frames")
	fs.StringVar(&ea.sceneFile, "scene-file", "", "Scene list file")
	fs.Uint64Var(&ea.seed, "seed", 1, "Content seed")
	fs.StringVar(&ea.resolution, "resolution", "", "Frame size WxH")
	fs.StringVar(&ea.fps, "fps", "", "Frame rate")

	fs.StringVar(&ea.output, "o", "", "Output file")
	fs.StringVar(&ea.output, "output", "", "Output file")
	fs.StringVar(&ea.logDir, "l", "", "Log directory")
	fs.StringVar(&ea.logDir, "log-dir", "", "Log directory")
	fs.BoolVar(&ea.noLog, "no-log", false, "Disable log file creation")
	fs.BoolVar(&ea.verbose, "v", false, "Enable verbose output")
	fs.BoolVar(&ea.verbose, "verbose", false, "Enable verbose output")

	fs.UintVar(&ea.levels, "levels", uint(config.DefaultHierarchicalLevels), "Hierarchical levels")
	fs.BoolVar(&ea.lowDelay, "low-delay", false, "Low-delay P structure")
	fs.IntVar(&ea.intraPeriod, "intra-period", config.DefaultIntraPeriod, "Intra period")
	fs.StringVar(&ea.scd, "scd", "normal", "Scene-change detection")

	fs.StringVar(&ea.rc, "rc", "cqp", "Rate control mode")
	fs.UintVar(&ea.qp, "qp", uint(config.DefaultQP), "Quantizer")
	fs.StringVar(&ea.qpRange, "qp-range", "", "QP bounds MIN,MAX")
	fs.UintVar(&ea.bitrate, "bitrate", uint(config.DefaultTargetBitrate), "Target bitrate")
	fs.UintVar(&ea.vbv, "vbv", 0, "VBV buffer size")
	fs.UintVar(&ea.vbvInit, "vbv-init", 90, "Initial VBV fullness")
	fs.IntVar(&ea.lookahead, "lookahead", 0, "Look-ahead pictures")
	fs.StringVar(&ea.tune, "tune", "oq", "QP strategy")
	fs.BoolVar(&ea.refFeedback, "ref-feedback", false, "Wait for reference feedback")

	fs.StringVar(&ea.workers, "workers", "", "Worker counts")
	fs.IntVar(&ea.pool, "pool", 0, "Pictures in flight")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if ea.frames < 1 {
		return fmt.Errorf("frame count must be at least 1 (-n/--frames)")
	}

	return executeEncode(ea)
}

func executeEncode(ea encodeArgs) error {
	output := ""
	if ea.output != "" {
		var err error
		if output, err = filepath.Abs(ea.output); err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
		if err := util.EnsureDirectoryWritable(filepath.Dir(output)); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if _, err := util.CleanupStaleTempFiles(filepath.Dir(output), "vp9pipe", staleTempAge); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	// Resolve log directory
	logDir := ea.logDir
	if logDir == "" {
		logDir = logging.DefaultLogDir()
	}

	logger, err := logging.Setup(logDir, ea.verbose, ea.noLog, os.Args)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() { _ = logger.Close() }()
	log := logger.Zap()

	cfg, err := buildConfig(ea)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var scenes []synth.Scene
	switch {
	case ea.sceneFile != "":
		if scenes, err = synth.LoadScenes(ea.sceneFile, ea.frames); err != nil {
			return err
		}
		log.Info("loaded scenes", zap.String("file", ea.sceneFile), zap.Int("scenes", len(scenes)))
	case ea.scenes != "":
		cuts, err := parseInts(ea.scenes)
		if err != nil {
			return fmt.Errorf("invalid --scenes: %w", err)
		}
		scenes = synth.ScenesFromCuts(cuts, ea.frames)
	}

	log.Info("configuration",
		zap.Int("frames", ea.frames),
		zap.Uint32("width", cfg.Width),
		zap.Uint32("height", cfg.Height),
		zap.Stringer("structure", cfg.PredStructure),
		zap.Uint8("levels", cfg.HierarchicalLevels),
		zap.Int("intra_period", cfg.IntraPeriod),
		zap.Stringer("rate_control", cfg.RateControlMode),
		zap.Uint32("bitrate", cfg.TargetBitrate),
		zap.Uint8("qp", cfg.QP),
		zap.Stringer("tune", cfg.Tune))

	// Create reporters
	termRep := reporter.NewTerminalReporterVerbose(ea.verbose)
	var rep reporter.Reporter = termRep
	if logger != nil {
		// Combine terminal and log reporter so all events go to both
		logRep := reporter.NewLogReporter(logger.Writer(), ea.verbose)
		rep = reporter.NewCompositeReporter(termRep, logRep)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	_, err = processing.ProcessStream(ctx, cfg, processing.Job{
		Frames: ea.frames,
		Scenes: scenes,
		Seed:   ea.seed,
		Output: output,
	}, rep, log)
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted")
	}
	return err
}

// buildConfig applies the CLI arguments to the default configuration.
func buildConfig(ea encodeArgs) (*config.Config, error) {
	cfg := config.NewConfig()

	if ea.resolution != "" {
		w, h, ok := strings.Cut(strings.ToLower(ea.resolution), "x")
		width, errW := strconv.ParseUint(w, 10, 32)
		height, errH := strconv.ParseUint(h, 10, 32)
		if !ok || errW != nil || errH != nil {
			return nil, fmt.Errorf("invalid --resolution %q, want WxH", ea.resolution)
		}
		cfg.Width, cfg.Height = uint32(width), uint32(height)
	}
	if ea.fps != "" {
		num, den, hasDen := strings.Cut(ea.fps, "/")
		n, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid --fps %q: %w", ea.fps, err)
		}
		d := uint64(1)
		if hasDen {
			if d, err = strconv.ParseUint(den, 10, 32); err != nil {
				return nil, fmt.Errorf("invalid --fps %q: %w", ea.fps, err)
			}
		}
		cfg.FrameRateNum, cfg.FrameRateDen = uint32(n), uint32(d)
	}

	cfg.HierarchicalLevels = uint8(ea.levels)
	if ea.lowDelay {
		cfg.PredStructure = config.PredLowDelayP
	}
	cfg.IntraPeriod = ea.intraPeriod

	switch ea.scd {
	case "off":
		cfg.SceneChangeMode = config.SCDOff
	case "normal":
		cfg.SceneChangeMode = config.SCDNormal
	case "strict":
		cfg.SceneChangeMode = config.SCDStrict
	default:
		return nil, fmt.Errorf("--scd must be off, normal or strict, got %q", ea.scd)
	}

	switch ea.rc {
	case "cqp":
		cfg.RateControlMode = config.RCConstantQP
	case "vbr":
		cfg.RateControlMode = config.RCVariableBitrate
	case "cbr":
		cfg.RateControlMode = config.RCConstantBitrate
	default:
		return nil, fmt.Errorf("--rc must be cqp, vbr or cbr, got %q", ea.rc)
	}
	cfg.QP = uint8(ea.qp)
	if ea.qpRange != "" {
		vals, err := parseInts(ea.qpRange)
		if err != nil || len(vals) != 2 {
			return nil, fmt.Errorf("--qp-range accepts MIN,MAX, got %q", ea.qpRange)
		}
		cfg.MinQP, cfg.MaxQP = uint8(vals[0]), uint8(vals[1])
	}
	cfg.TargetBitrate = uint32(ea.bitrate)
	cfg.VBVBufferSize = uint32(ea.vbv)
	cfg.VBVInitialPercent = uint8(ea.vbvInit)
	cfg.LookAheadDistance = ea.lookahead
	cfg.RequireReferenceFeedback = ea.refFeedback

	switch ea.tune {
	case "sq":
		cfg.Tune = config.TuneSQ
	case "oq":
		cfg.Tune = config.TuneOQ
	case "vmaf":
		cfg.Tune = config.TuneVMAF
	default:
		return nil, fmt.Errorf("--tune must be sq, oq or vmaf, got %q", ea.tune)
	}

	if ea.workers != "" {
		vals, err := parseInts(ea.workers)
		if err != nil {
			return nil, fmt.Errorf("invalid --workers: %w", err)
		}
		switch len(vals) {
		case 1:
			cfg.AnalysisWorkers, cfg.ReconWorkers, cfg.EntropyWorkers = vals[0], vals[0], vals[0]
		case 3:
			cfg.AnalysisWorkers, cfg.ReconWorkers, cfg.EntropyWorkers = vals[0], vals[1], vals[2]
		default:
			return nil, fmt.Errorf("--workers accepts single value or comma-separated triple, got %d values", len(vals))
		}
	}
	cfg.PicturePoolSize = ea.pool
	cfg.Verbose = ea.verbose

	return cfg, nil
}

// parseInts parses a comma-separated list of integers.
func parseInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	vals := make([]int, 0, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid value in position %d: %w", i+1, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}
