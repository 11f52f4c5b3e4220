package validation

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/five82/vp9pipe/internal/synth"
)

type frameSpec struct {
	poc, decodeOrder int64
	key, show        bool
	qp, refresh      uint8
	payload          int
}

func frame(f frameSpec) []byte {
	buf := make([]byte, synth.FrameHeaderSize+f.payload)
	buf[0] = synth.FrameMarker
	if !f.key {
		buf[0] |= synth.FrameInterFlag
	}
	if f.show {
		buf[0] |= synth.FrameShowFlag
	}
	buf[1] = f.qp
	buf[2] = f.refresh
	binary.BigEndian.PutUint64(buf[4:12], uint64(f.poc))
	binary.BigEndian.PutUint32(buf[12:16], uint32(f.decodeOrder))
	binary.BigEndian.PutUint32(buf[16:20], uint32(f.payload))
	return buf
}

// miniGOP codes 0 as a key frame, 2 hidden into slot 1, 1 shown, then
// shows slot 1.
func miniGOP() []byte {
	var b bytes.Buffer
	b.Write(frame(frameSpec{poc: 0, decodeOrder: 0, key: true, show: true, qp: 30, refresh: 0xff, payload: 40}))
	b.Write(frame(frameSpec{poc: 2, decodeOrder: 1, qp: 34, refresh: 0x02, payload: 12}))
	b.Write(frame(frameSpec{poc: 1, decodeOrder: 2, show: true, qp: 40, payload: 5}))
	b.WriteByte(synth.ShowExistingMarker | 1)
	return b.Bytes()
}

func TestParseStreamResolvesShowExisting(t *testing.T) {
	data := miniGOP()
	s, err := ParseStream(bytes.NewReader(data))
	require.NoError(t, err)

	require.Len(t, s.Frames, 3)
	require.Equal(t, []int64{0, 1, 2}, s.Displayed)
	require.Equal(t, 1, s.ShowExisting)
	require.Equal(t, uint64(len(data)), s.Bytes)
	require.Equal(t, uint8(34), s.Frames[1].QP)
	require.False(t, s.Frames[1].ShowFrame)
	require.Equal(t, uint32(12), s.Frames[1].PayloadBytes)

	frames := 3
	r := Check(s, Options{
		ExpectedFrames:    &frames,
		ExpectedKeyFrames: []int64{0},
		QPRange:           &[2]uint8{1, 63},
	})
	require.True(t, r.IsValid(), "%+v", r.GetValidationSteps())
	require.Len(t, r.GetValidationSteps(), 5)
}

func TestParseStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			name: "empty slot",
			data: []byte{synth.ShowExistingMarker | 3},
			want: "slot 3",
		},
		{
			name: "truncated header",
			data: frame(frameSpec{key: true, show: true})[:9],
			want: "truncated frame header",
		},
		{
			name: "truncated payload",
			data: frame(frameSpec{key: true, show: true, payload: 30})[:synth.FrameHeaderSize+10],
			want: "truncated payload",
		},
		{
			name: "unknown byte",
			data: []byte{0x10},
			want: "0x10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStream(bytes.NewReader(tt.data))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestCheckReportsFailures(t *testing.T) {
	var b bytes.Buffer
	b.Write(frame(frameSpec{poc: 0, decodeOrder: 0, key: true, show: true, qp: 2, refresh: 0xff}))
	b.Write(frame(frameSpec{poc: 2, decodeOrder: 2, show: true, qp: 50}))
	b.Write(frame(frameSpec{poc: 1, decodeOrder: 1, show: true, qp: 50}))
	s, err := ParseStream(&b)
	require.NoError(t, err)

	frames := 4
	r := Check(s, Options{
		ExpectedFrames:    &frames,
		ExpectedKeyFrames: []int64{0, 2},
		QPRange:           &[2]uint8{10, 40},
	})
	require.False(t, r.IsValid())
	require.False(t, r.IsFrameCountCorrect)
	require.False(t, r.IsDisplayOrderCorrect)
	require.False(t, r.IsDecodeOrderCorrect)
	require.False(t, r.IsQPInRange)
	require.False(t, r.IsKeyFramesCorrect)
	require.Equal(t, "Picture 2 displayed at position 1", r.DisplayOrderMessage)
	require.Equal(t, "QP 2-50 outside 10-40", r.QPMessage)
}

func TestCheckSkipsUnsetOptions(t *testing.T) {
	s, err := ParseStream(bytes.NewReader(miniGOP()))
	require.NoError(t, err)
	r := Check(s, Options{})
	require.True(t, r.IsValid())
	require.Equal(t, "QP validation skipped", r.QPMessage)
	require.Equal(t, "Key frame validation skipped", r.KeyFramesMessage)
}

func TestValidateOutputStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.vp9")
	require.NoError(t, os.WriteFile(path, miniGOP(), 0o644))

	frames := 3
	r, err := ValidateOutputStream(path, Options{ExpectedFrames: &frames})
	require.NoError(t, err)
	require.True(t, r.IsValid())

	_, err = ValidateOutputStream(filepath.Join(t.TempDir(), "missing"), Options{})
	require.ErrorContains(t, err, "failed to open output")
}
