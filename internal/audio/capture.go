package audio

import (
	"context"
	"errors"
	"io"
	"iter"
)

// Track is one media track feeding a capture
type Track interface {
	Label() string
	Stop() error
}

// Capture is an acquired input. Release order is Disconnect, Close, then
// stopping each track.
type Capture interface {
	// Read blocks until the next block is captured. It returns io.EOF when
	// the input is exhausted.
	Read(ctx context.Context) (Block, error)
	// Disconnect detaches the processing node from the input graph.
	Disconnect() error
	// Close releases the input stream.
	Close() error
	Tracks() []Track
}

// Device acquires captures
type Device interface {
	Open(ctx context.Context, format Format) (Capture, error)
}

// Blocks pulls blocks from c until the input ends, ctx is cancelled or the
// consumer stops. A read failure is yielded once as the final element.
func Blocks(ctx context.Context, c Capture) iter.Seq2[Block, error] {
	return func(yield func(Block, error) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			block, err := c.Read(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				yield(Block{}, err)
				return
			}
			if !yield(block, nil) {
				return
			}
		}
	}
}

// Release tears a capture down in order and joins the errors
func Release(c Capture) error {
	if c == nil {
		return nil
	}
	errs := []error{c.Disconnect(), c.Close()}
	for _, track := range c.Tracks() {
		errs = append(errs, track.Stop())
	}
	return errors.Join(errs...)
}

type namedTrack struct {
	label string
	stop  func() error
}

func (t *namedTrack) Label() string { return t.label }

func (t *namedTrack) Stop() error {
	if t.stop == nil {
		return nil
	}
	return t.stop()
}
