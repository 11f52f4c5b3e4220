package pipeline

import (
	"context"
	"fmt"

	"github.com/five82/vp9pipe/internal/decision"
	"github.com/five82/vp9pipe/internal/entropy"
	"github.com/five82/vp9pipe/internal/manager"
	"github.com/five82/vp9pipe/internal/packetize"
	"github.com/five82/vp9pipe/internal/ratecontrol"
)

// segmentLink carries decision fan-out to the motion estimation workers.
type segmentLink struct{ s *Session }

func (l segmentLink) Post(ctx context.Context, t decision.SegmentTask) error {
	return l.s.segmentQ.Post(ctx, t)
}

// rateLink carries new child control sets from the manager to rate control.
type rateLink struct{ s *Session }

func (l rateLink) PostChild(ctx context.Context, c manager.Child) error {
	return l.s.rateQ.Post(ctx, ratecontrol.Task{Kind: ratecontrol.TaskPicture, Child: c})
}

// reconLink carries pictures with an assigned QP to reconstruction.
type reconLink struct{ s *Session }

func (l reconLink) PostChild(ctx context.Context, c ratecontrol.Child) error {
	return l.s.reconQ.Post(ctx, c)
}

// feedbackLink tells the manager that rate control consumed a picture's
// packet feedback.
type feedbackLink struct{ s *Session }

func (l feedbackLink) NotifyFeedback(ctx context.Context, poc int64) error {
	err := l.s.managerQ.Post(ctx, manager.DemuxResult{Kind: manager.KindFeedback, PictureNumber: poc})
	if err != nil {
		return err
	}
	l.s.fed.Add(1)
	l.s.maybeStop()
	return nil
}

// entropyLink carries coded pictures to packetization and row sizes to rate
// control.
type entropyLink struct{ s *Session }

func (l entropyLink) Post(ctx context.Context, r entropy.Result) error {
	return l.s.packetQ.Post(ctx, r)
}

func (l entropyLink) RowCoded(ctx context.Context, poc int64, row int, bits int64) error {
	return l.s.rateQ.Post(ctx, ratecontrol.Task{
		Kind:          ratecontrol.TaskRowFeedback,
		PictureNumber: poc,
		Row:           row,
		Bits:          bits,
	})
}

// packetLink writes packets to the sink and feeds their size back to rate
// control.
type packetLink struct{ s *Session }

func (l packetLink) PostPacket(_ context.Context, p packetize.Packet) error {
	if l.s.sink != nil {
		if err := l.s.sink.WritePacket(p); err != nil {
			return fmt.Errorf("writing packet of picture %d: %w", p.PictureNumber, err)
		}
	}
	snap := l.s.progress.packet(p)
	if l.s.callbacks.Progress != nil {
		l.s.callbacks.Progress(snap)
	}
	return nil
}

func (l packetLink) Feedback(ctx context.Context, fb ratecontrol.Feedback) error {
	return l.s.rateQ.Post(ctx, ratecontrol.Task{Kind: ratecontrol.TaskPacketFeedback, Feedback: fb})
}
