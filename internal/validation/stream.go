package validation

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/five82/vp9pipe/internal/packetize"
	"github.com/five82/vp9pipe/internal/picture"
	"github.com/five82/vp9pipe/internal/synth"
)

// Frame is one coded frame header read back from a packet stream.
type Frame struct {
	PictureNumber int64
	DecodeOrder   int64
	FrameType     picture.FrameType
	ShowFrame     bool
	QP            uint8
	RefreshMask   uint8
	TemporalLayer uint8
	PayloadBytes  uint32
}

// Stream is a parsed packet stream.
type Stream struct {
	Frames       []Frame
	Displayed    []int64 // picture numbers in display order
	ShowExisting int
	Bytes        uint64
}

// ParseStream reads a packet stream, replaying the reference slots so that
// every show-existing header resolves to the picture it displays.
func ParseStream(r io.Reader) (*Stream, error) {
	br := bufio.NewReader(r)
	dpb := packetize.NewDPBShadow()
	s := &Stream{}
	var header [synth.FrameHeaderSize]byte

	for {
		offset := s.Bytes
		b, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return nil, err
		}

		switch {
		case b&^0x07 == synth.ShowExistingMarker:
			slot := b & 0x07
			poc, err := dpb.Resolve(slot)
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", offset, err)
			}
			s.Displayed = append(s.Displayed, poc)
			s.ShowExisting++
			s.Bytes++

		case b&^(synth.FrameInterFlag|synth.FrameShowFlag) == synth.FrameMarker:
			header[0] = b
			if _, err := io.ReadFull(br, header[1:]); err != nil {
				return nil, fmt.Errorf("offset %d: truncated frame header: %w", offset, err)
			}
			f := Frame{
				FrameType:     picture.KeyFrame,
				ShowFrame:     b&synth.FrameShowFlag != 0,
				QP:            header[1],
				RefreshMask:   header[2],
				TemporalLayer: header[3],
				PictureNumber: int64(binary.BigEndian.Uint64(header[4:12])),
				DecodeOrder:   int64(binary.BigEndian.Uint32(header[12:16])),
				PayloadBytes:  binary.BigEndian.Uint32(header[16:20]),
			}
			if b&synth.FrameInterFlag != 0 {
				f.FrameType = picture.InterFrame
			}
			if _, err := br.Discard(int(f.PayloadBytes)); err != nil {
				return nil, fmt.Errorf("offset %d: truncated payload of picture %d: %w", offset, f.PictureNumber, err)
			}
			dpb.Apply(f.FrameType, f.RefreshMask, f.DecodeOrder, f.PictureNumber)
			if f.ShowFrame {
				s.Displayed = append(s.Displayed, f.PictureNumber)
			}
			s.Frames = append(s.Frames, f)
			s.Bytes += uint64(synth.FrameHeaderSize) + uint64(f.PayloadBytes)

		default:
			return nil, fmt.Errorf("offset %d: unexpected header byte 0x%02x", offset, b)
		}
	}
}
