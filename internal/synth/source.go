package synth

import (
	"fmt"
	"sort"

	"github.com/five82/vp9pipe/internal/picture"
)

// Frame describes the content of one source picture.
type Frame struct {
	PictureNumber int64
	Scene         int
	SceneStart    bool

	Intensity uint8   // average luma, alternating halves of the range between scenes
	Chroma    uint8   // average chroma
	Motion    int     // per-pixel motion SAD bin
	Texture   int     // per-pixel intra SAD bin
	Jitter    float64 // fraction of pixels that drift to the next histogram bin
}

// Source generates a deterministic picture sequence.
type Source struct {
	frames int
	scenes []Scene
	seed   uint64
}

// NewSource creates a source of frames pictures split into scenes.
func NewSource(frames int, scenes []Scene, seed uint64) (*Source, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("frame count must be positive, got %d", frames)
	}
	if err := ValidateScenes(scenes, frames); err != nil {
		return nil, err
	}
	return &Source{frames: frames, scenes: scenes, seed: seed}, nil
}

// Frames returns the number of pictures.
func (s *Source) Frames() int { return s.frames }

// Scenes returns the scene list.
func (s *Source) Scenes() []Scene { return s.scenes }

// Frame returns the content of picture poc.
func (s *Source) Frame(poc int64) Frame {
	idx := sort.Search(len(s.scenes), func(i int) bool {
		return int64(s.scenes[i].EndFrame) > poc
	})
	idx = min(idx, len(s.scenes)-1)
	sc := s.scenes[idx]

	h := mix(s.seed, uint64(idx))
	f := Frame{
		PictureNumber: poc,
		Scene:         idx,
		SceneStart:    int64(sc.StartFrame) == poc,
		Intensity:     uint8(32 + h%96 + 96*uint64(idx%2)),
		Chroma:        uint8(64 + (h>>8)%128),
		Motion:        1 + int((h>>16)%4),
		Texture:       5 + int((h>>24)%6),
	}
	f.Jitter = float64(mix(s.seed, uint64(poc)<<20|0xf00d)%6) / 100
	return f
}

// Cuts returns the first picture of every scene after the first.
func (s *Source) Cuts() []int64 {
	var cuts []int64
	for _, sc := range s.scenes[1:] {
		cuts = append(cuts, int64(sc.StartFrame))
	}
	return cuts
}

// mix is the splitmix64 finalizer over two words.
func mix(a, b uint64) uint64 {
	z := a + b*0x9e3779b97f4a7c15 + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// unit maps a hash to [0, 1).
func unit(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}

// spread distributes n superblocks over three SAD bins centred on bin.
func spread(n uint32, bin int) [picture.SADBins]uint32 {
	var h [picture.SADBins]uint32
	side := n / 5
	lo := max(bin-1, 0)
	hi := min(bin+1, picture.SADBins-1)
	h[lo] += side
	h[hi] += side
	h[min(max(bin, 0), picture.SADBins-1)] += n - 2*side
	return h
}
