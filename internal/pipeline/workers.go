package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/five82/vp9pipe/internal/decision"
	"github.com/five82/vp9pipe/internal/entropy"
	"github.com/five82/vp9pipe/internal/manager"
	"github.com/five82/vp9pipe/internal/ratecontrol"
)

// source takes a parent and an analysis reference from the pools for every
// picture and hands them to the analysis workers. It blocks while the
// pools are empty.
func (s *Session) source(ctx context.Context) error {
	defer s.sourceQ.Close()
	for poc := 0; poc < s.frames; poc++ {
		pw, err := s.parents.GetEmpty(ctx)
		if err != nil {
			return err
		}
		pa, err := s.paRefs.GetEmpty(ctx)
		if err != nil {
			return errors.Join(err, pw.Release())
		}
		p := pw.Object
		p.PictureNumber = int64(poc)
		p.EndOfSequence = poc == s.frames-1
		p.PaReference = pa
		if err := s.sourceQ.Post(ctx, pw); err != nil {
			return err
		}
	}
	return nil
}

// analyze fills the statistics of source pictures, in any order.
func (s *Session) analyze(ctx context.Context) error {
	for {
		pw, ok, err := s.sourceQ.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p := pw.Object
		if err := s.stages.Analyzer.Analyze(p, p.PaReference.Object); err != nil {
			return fmt.Errorf("analysing picture %d: %w", p.PictureNumber, err)
		}
		if err := s.decisionQ.Post(ctx, decision.Input{Parent: pw}); err != nil {
			return err
		}
	}
}

// estimate runs motion estimation segments. The worker finishing the last
// segment of a picture hands the picture to the manager.
func (s *Session) estimate(ctx context.Context) error {
	for {
		t, ok, err := s.segmentQ.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p := t.Parent.Object
		sad, err := s.stages.MotionEstimator.EstimateSegment(t)
		if err != nil {
			return errors.Join(fmt.Errorf("motion estimation of picture %d: %w", p.PictureNumber, err), t.Release())
		}
		p.SegmentSAD.Add(sad)
		if err := t.Release(); err != nil {
			return fmt.Errorf("picture %d analysis reference release: %w", p.PictureNumber, err)
		}
		if p.SegmentsRemaining.Add(-1) != 0 {
			continue
		}
		s.log.Debug("motion estimation done",
			zap.Int64("picture", p.PictureNumber),
			zap.Uint64("sad", p.SegmentSAD.Load()))
		if err := s.managerQ.Post(ctx, manager.DemuxResult{Kind: manager.KindInput, Parent: t.Parent}); err != nil {
			return err
		}
	}
}

// reconstruct rebuilds the rows of pictures leaving rate control, hands
// them to entropy coding a few rows at a time, and publishes the finished
// reference to the manager.
func (s *Session) reconstruct(ctx context.Context) error {
	for {
		cw, ok, err := s.reconQ.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.reconstructPicture(ctx, cw); err != nil {
			return err
		}
	}
}

func (s *Session) reconstructPicture(ctx context.Context, cw ratecontrol.Child) error {
	c := cw.Object
	rows := c.RowSync.Rows()
	poc, ref := c.PictureNumber, c.Reference

	// Once the last rows are posted entropy coding may finish the picture
	// and packetization may recycle the control set, so the last report
	// goes out after the reference is published.
	var sum uint64
	last := entropy.Rows{Child: cw}
	for start := 0; start < rows; start += reconRowsPerReport {
		n := min(reconRowsPerReport, rows-start)
		for row := start; row < start+n; row++ {
			sum = bits.RotateLeft64(sum, 13) ^ s.stages.Reconstructor.ReconstructRow(c, row)
		}
		if start+n == rows {
			last.Start, last.Count = start, n
			break
		}
		if err := s.rowsQ.Post(ctx, entropy.Rows{Child: cw, Start: start, Count: n}); err != nil {
			return err
		}
	}

	if ref != nil {
		ref.Object.Checksum = sum
		if err := s.managerQ.Post(ctx, manager.DemuxResult{Kind: manager.KindReference, PictureNumber: poc}); err != nil {
			return err
		}
	}
	return s.rowsQ.Post(ctx, last)
}
