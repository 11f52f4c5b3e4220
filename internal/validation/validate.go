// Package validation provides post-encode validation checks.
package validation

import (
	"fmt"
	"os"
	"slices"

	"github.com/five82/vp9pipe/internal/picture"
)

// Options contains optional parameters for validation.
type Options struct {
	ExpectedFrames    *int
	ExpectedKeyFrames []int64 // nil skips the check
	QPRange           *[2]uint8
}

// ValidationStep is a single named check.
type ValidationStep struct {
	Name    string
	Passed  bool
	Details string
}

// Result holds the outcome of every check.
type Result struct {
	Stream *Stream

	IsFrameCountCorrect   bool
	IsDisplayOrderCorrect bool
	IsDecodeOrderCorrect  bool
	IsQPInRange           bool
	IsKeyFramesCorrect    bool

	FrameCountMessage   string
	DisplayOrderMessage string
	DecodeOrderMessage  string
	QPMessage           string
	KeyFramesMessage    string
}

// IsValid reports whether every check passed.
func (r *Result) IsValid() bool {
	return r.IsFrameCountCorrect && r.IsDisplayOrderCorrect && r.IsDecodeOrderCorrect &&
		r.IsQPInRange && r.IsKeyFramesCorrect
}

// GetValidationSteps returns the checks in report order.
func (r *Result) GetValidationSteps() []ValidationStep {
	return []ValidationStep{
		{Name: "Frame count", Passed: r.IsFrameCountCorrect, Details: r.FrameCountMessage},
		{Name: "Display order", Passed: r.IsDisplayOrderCorrect, Details: r.DisplayOrderMessage},
		{Name: "Decode order", Passed: r.IsDecodeOrderCorrect, Details: r.DecodeOrderMessage},
		{Name: "QP range", Passed: r.IsQPInRange, Details: r.QPMessage},
		{Name: "Key frames", Passed: r.IsKeyFramesCorrect, Details: r.KeyFramesMessage},
	}
}

// ValidateOutputStream parses a written packet stream and checks it.
func ValidateOutputStream(outputPath string, opts Options) (*Result, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	defer func() { _ = f.Close() }()

	s, err := ParseStream(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse output stream: %w", err)
	}
	return Check(s, opts), nil
}

// Check validates a parsed stream.
func Check(s *Stream, opts Options) *Result {
	r := &Result{Stream: s}

	r.IsFrameCountCorrect, r.FrameCountMessage = validateFrameCount(s, opts.ExpectedFrames)
	r.IsDisplayOrderCorrect, r.DisplayOrderMessage = validateDisplayOrder(s.Displayed)
	r.IsDecodeOrderCorrect, r.DecodeOrderMessage = validateDecodeOrder(s.Frames)

	if opts.QPRange != nil {
		r.IsQPInRange, r.QPMessage = validateQP(s.Frames, opts.QPRange[0], opts.QPRange[1])
	} else {
		r.IsQPInRange, r.QPMessage = true, "QP validation skipped"
	}

	if opts.ExpectedKeyFrames != nil {
		r.IsKeyFramesCorrect, r.KeyFramesMessage = validateKeyFrames(s.Frames, opts.ExpectedKeyFrames)
	} else {
		r.IsKeyFramesCorrect, r.KeyFramesMessage = true, "Key frame validation skipped"
	}

	return r
}

func validateFrameCount(s *Stream, expected *int) (bool, string) {
	shown := len(s.Displayed)
	if expected == nil {
		return true, fmt.Sprintf("%d frames displayed", shown)
	}
	if shown == *expected && len(s.Frames) == *expected {
		return true, fmt.Sprintf("%d frames coded and displayed (%d show-existing)", shown, s.ShowExisting)
	}
	return false, fmt.Sprintf("Frame count mismatch: %d coded, %d displayed, expected %d",
		len(s.Frames), shown, *expected)
}

func validateDisplayOrder(displayed []int64) (bool, string) {
	for i, poc := range displayed {
		if poc != int64(i) {
			return false, fmt.Sprintf("Picture %d displayed at position %d", poc, i)
		}
	}
	return true, "Pictures displayed in order"
}

func validateDecodeOrder(frames []Frame) (bool, string) {
	for i, f := range frames {
		if f.DecodeOrder != int64(i) {
			return false, fmt.Sprintf("Picture %d has decode order %d at position %d",
				f.PictureNumber, f.DecodeOrder, i)
		}
	}
	return true, fmt.Sprintf("%d frames in decode order", len(frames))
}

func validateQP(frames []Frame, minQP, maxQP uint8) (bool, string) {
	if len(frames) == 0 {
		return true, "No frames"
	}
	lo, hi := frames[0].QP, frames[0].QP
	for _, f := range frames {
		lo, hi = min(lo, f.QP), max(hi, f.QP)
	}
	if lo < minQP || hi > maxQP {
		return false, fmt.Sprintf("QP %d-%d outside %d-%d", lo, hi, minQP, maxQP)
	}
	return true, fmt.Sprintf("QP %d-%d", lo, hi)
}

func validateKeyFrames(frames []Frame, expected []int64) (bool, string) {
	var keys []int64
	for _, f := range frames {
		if f.FrameType == picture.KeyFrame {
			keys = append(keys, f.PictureNumber)
		}
	}
	slices.Sort(keys)
	want := slices.Sorted(slices.Values(expected))
	if slices.Equal(keys, want) {
		return true, fmt.Sprintf("%d key frames", len(keys))
	}
	return false, fmt.Sprintf("Key frames at %v, expected %v", keys, want)
}
