package pipeline

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/five82/vp9pipe/internal/packetize"
)

// Progress is a snapshot of the packets written so far.
type Progress struct {
	FramesDone  int64
	TotalFrames int64
	Packets     int
	Bytes       uint64
	QPSum       int64
	Elapsed     time.Duration
	frameRate   float64
}

// Percent returns the displayed share of the stream.
func (p Progress) Percent() float32 {
	if p.TotalFrames == 0 {
		return 0
	}
	return float32(p.FramesDone) * 100 / float32(p.TotalFrames)
}

// FPS returns the displayed pictures per second of wall time.
func (p Progress) FPS() float32 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float32(float64(p.FramesDone) / p.Elapsed.Seconds())
}

// Bitrate returns the stream bitrate so far in bits per second of media.
func (p Progress) Bitrate() float64 {
	if p.FramesDone == 0 || p.frameRate == 0 {
		return 0
	}
	return float64(p.Bytes*8) / (float64(p.FramesDone) / p.frameRate)
}

// AverageQP returns the mean QP of the coded pictures.
func (p Progress) AverageQP() float64 {
	if p.Packets == 0 {
		return 0
	}
	return float64(p.QPSum) / float64(p.Packets)
}

// ETA estimates the remaining wall time.
func (p Progress) ETA() time.Duration {
	if p.FramesDone == 0 {
		return 0
	}
	remaining := p.TotalFrames - p.FramesDone
	return time.Duration(float64(p.Elapsed) * float64(remaining) / float64(p.FramesDone))
}

type tracker struct {
	mu    sync.Mutex
	start time.Time
	state Progress
}

func newTracker(frames int, frameRate float64) *tracker {
	return &tracker{
		start: time.Now(),
		state: Progress{TotalFrames: int64(frames), frameRate: frameRate},
	}
}

func (t *tracker) packet(p packetize.Packet) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.FramesDone += int64(len(p.Displayed))
	t.state.Packets++
	t.state.Bytes += uint64(p.Bits() / 8)
	t.state.QPSum += int64(p.QP)
	t.state.Elapsed = time.Since(t.start)
	return t.state
}

// WriterSink writes each packet's frame followed by its show-existing
// headers.
type WriterSink struct {
	w *bufio.Writer
}

// NewWriterSink creates a sink that buffers writes to w. Call Flush when
// the session ends.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: bufio.NewWriter(w)}
}

// WritePacket implements PacketSink.
func (s *WriterSink) WritePacket(p packetize.Packet) error {
	if _, err := s.w.Write(p.Frame); err != nil {
		return err
	}
	for _, h := range p.ShowExisting {
		if _, err := s.w.Write(h); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered data.
func (s *WriterSink) Flush() error { return s.w.Flush() }
