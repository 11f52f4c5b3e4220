// Package synth provides a deterministic synthetic source and the picture
// level collaborators the pipeline drives: analysis, motion estimation,
// reconstruction, superblock coding and frame packing. Content follows a
// list of scenes so that scene changes, motion and texture vary the way
// real footage does.
package synth

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Scene is a run of pictures with the same content.
type Scene struct {
	StartFrame int
	EndFrame   int // exclusive
}

// Frames returns the number of pictures in the scene.
func (s Scene) Frames() int {
	return s.EndFrame - s.StartFrame
}

// LoadScenes loads scene boundaries from a file with one frame number per
// line.
func LoadScenes(path string, totalFrames int) ([]Scene, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenes file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return ParseScenes(file, totalFrames)
}

// ParseScenes reads scene boundaries, one frame number per line.
func ParseScenes(r io.Reader, totalFrames int) ([]Scene, error) {
	var cuts []int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		frameNum, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("invalid frame number %q: %w", line, err)
		}
		cuts = append(cuts, frameNum)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading scenes file: %w", err)
	}

	return ScenesFromCuts(cuts, totalFrames), nil
}

// ScenesFromCuts converts cut frame numbers into scenes covering
// [0, totalFrames). Cuts outside the range are ignored.
func ScenesFromCuts(cuts []int, totalFrames int) []Scene {
	sorted := append([]int(nil), cuts...)
	sort.Ints(sorted)

	// Ensure we start at frame 0
	if len(sorted) == 0 || sorted[0] != 0 {
		sorted = append([]int{0}, sorted...)
	}

	scenes := make([]Scene, 0, len(sorted))
	for i, start := range sorted {
		end := totalFrames
		if i+1 < len(sorted) {
			end = min(sorted[i+1], totalFrames)
		}
		if start >= 0 && start < end {
			scenes = append(scenes, Scene{StartFrame: start, EndFrame: end})
		}
	}
	return scenes
}

// EvenScenes splits totalFrames into scenes of length frames each, the last
// one possibly shorter. A length of zero yields one scene.
func EvenScenes(totalFrames, length int) []Scene {
	if length <= 0 {
		length = totalFrames
	}
	var cuts []int
	for f := 0; f < totalFrames; f += length {
		cuts = append(cuts, f)
	}
	return ScenesFromCuts(cuts, totalFrames)
}

// ValidateScenes checks that scenes cover [0, totalFrames) without gaps.
func ValidateScenes(scenes []Scene, totalFrames int) error {
	if len(scenes) == 0 {
		return fmt.Errorf("no scenes provided")
	}
	next := 0
	for i, s := range scenes {
		if s.StartFrame != next {
			return fmt.Errorf("scene %d starts at frame %d, expected %d", i, s.StartFrame, next)
		}
		if s.Frames() <= 0 {
			return fmt.Errorf("scene %d has invalid length: %d frames", i, s.Frames())
		}
		next = s.EndFrame
	}
	if next != totalFrames {
		return fmt.Errorf("scenes end at frame %d, expected %d", next, totalFrames)
	}
	return nil
}
