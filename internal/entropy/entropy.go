// Package entropy implements the entropy coding stage. Reconstruction
// reports finished superblock rows in any order; workers code the rows of
// each picture strictly top to bottom and hand the picture on once its last
// row is coded.
package entropy

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/five82/vp9pipe/internal/fifo"
	"github.com/five82/vp9pipe/internal/picture"
)

// Child is a pooled child control set.
type Child = *fifo.Wrapper[picture.ControlSet]

// Rows reports that rows [Start, Start+Count) of a picture are
// reconstructed.
type Rows struct {
	Child Child
	Start int
	Count int
}

// Result is a fully entropy coded picture.
type Result struct {
	Child Child
}

// SuperblockCoder codes one superblock from its decided modes and
// coefficients and returns the bits written.
type SuperblockCoder interface {
	WriteModes(c *picture.ControlSet, sbRow, sbCol int) int64
	Tokenize(c *picture.ControlSet, sbRow, sbCol int) int64
}

// Output receives coded pictures and row feedback.
type Output interface {
	Post(ctx context.Context, r Result) error
	RowCoded(ctx context.Context, poc int64, row int, bits int64) error
}

// Engine is the entropy coding stage. Any number of workers may run it.
type Engine struct {
	log    *zap.Logger
	coder  SuperblockCoder
	out    Output
	sbCols int
}

// New creates the entropy coding stage.
func New(log *zap.Logger, sbCols int, coder SuperblockCoder, out Output) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:    log.Named("entropy"),
		coder:  coder,
		out:    out,
		sbCols: sbCols,
	}
}

// Run starts workers goroutines that process row reports until the queue
// closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, workers int, in *fifo.Queue[Rows]) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workers, 1); i++ {
		g.Go(func() error {
			for {
				r, ok, err := in.Get(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := e.Process(ctx, r); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// Process marks the reported rows ready and codes every row of the picture
// that can be claimed.
func (e *Engine) Process(ctx context.Context, r Rows) error {
	c := r.Child.Object
	c.RowSync.MarkReady(r.Start, r.Count)

	for {
		row, ok := c.RowSync.TryClaim()
		if !ok {
			return nil
		}
		bits := e.codeRow(c, row)
		c.RowBits[row].Store(bits)
		c.Bits.Add(bits)
		c.RowsDone.Add(1)
		if err := e.out.RowCoded(ctx, c.PictureNumber, row, bits); err != nil {
			return err
		}
		if c.RowSync.Complete(row) {
			return e.finish(ctx, r.Child)
		}
	}
}

func (e *Engine) codeRow(c *picture.ControlSet, row int) int64 {
	var bits int64
	for col := 0; col < e.sbCols; col++ {
		bits += e.coder.WriteModes(c, row, col)
		bits += e.coder.Tokenize(c, row, col)
	}
	return bits
}

// finish releases the references of a coded picture and posts it. It runs
// once per picture.
func (e *Engine) finish(ctx context.Context, cw Child) error {
	c := cw.Object
	if err := c.ReleaseReferences(); err != nil {
		return fmt.Errorf("picture %d reference release: %w", c.PictureNumber, err)
	}
	e.log.Debug("picture coded",
		zap.Int64("picture", c.PictureNumber),
		zap.Int64("decode_order", c.DecodeOrder),
		zap.Int64("bits", c.Bits.Load()))
	return e.out.Post(ctx, Result{Child: cw})
}
