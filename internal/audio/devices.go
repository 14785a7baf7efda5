package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ToneDevice synthesizes a sine wave on every channel. With a clock set,
// blocks are paced at the real capture cadence.
type ToneDevice struct {
	Frequency float64
	Amplitude float64
	Clock     clock.Clock
}

// Open starts a synthetic capture
func (d ToneDevice) Open(ctx context.Context, format Format) (Capture, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	freq := d.Frequency
	if freq <= 0 {
		freq = 440
	}
	amp := d.Amplitude
	if amp <= 0 || amp > 1 {
		amp = 0.5
	}

	c := &toneCapture{format: format, freq: freq, amp: amp}
	if d.Clock != nil {
		period := time.Duration(float64(format.BlockSize) / float64(format.SampleRate) * float64(time.Second))
		c.ticker = d.Clock.Ticker(period)
	}
	c.track = &namedTrack{label: "tone", stop: func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped = true
		return nil
	}}
	return c, nil
}

type toneCapture struct {
	format Format
	freq   float64
	amp    float64
	ticker *clock.Ticker
	track  Track

	mu      sync.Mutex
	pos     int
	closed  bool
	stopped bool
}

func (c *toneCapture) Read(ctx context.Context) (Block, error) {
	if c.ticker != nil {
		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case <-c.ticker.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stopped {
		return Block{}, io.EOF
	}

	mono := make([]float32, c.format.BlockSize)
	for i := range mono {
		t := float64(c.pos+i) / float64(c.format.SampleRate)
		mono[i] = float32(c.amp * math.Sin(2*math.Pi*c.freq*t))
	}
	c.pos += c.format.BlockSize

	block := Block{Channels: make([][]float32, c.format.Channels)}
	for ch := range block.Channels {
		block.Channels[ch] = mono
	}
	return block, nil
}

func (c *toneCapture) Disconnect() error {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	return nil
}

func (c *toneCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *toneCapture) Tracks() []Track { return []Track{c.track} }

// ReaderDevice captures interleaved 32-bit float little-endian samples from
// a file, or from Reader when Path is empty.
type ReaderDevice struct {
	Path   string
	Reader io.Reader
}

// Open acquires the input
func (d ReaderDevice) Open(ctx context.Context, format Format) (Capture, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	var (
		src    io.Reader
		closer io.Closer
		label  = "reader"
	)
	switch {
	case d.Path != "":
		f, err := os.Open(d.Path)
		if err != nil {
			return nil, ClassifyDeviceError(err)
		}
		src, closer, label = f, f, d.Path
	case d.Reader != nil:
		src = d.Reader
	default:
		return nil, ErrNoDevice
	}

	c := &readerCapture{format: format, r: bufio.NewReader(src), closer: closer}
	c.track = &namedTrack{label: label}
	return c, nil
}

type readerCapture struct {
	format Format
	r      *bufio.Reader
	closer io.Closer
	track  Track

	mu     sync.Mutex
	closed bool
}

func (c *readerCapture) Read(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Block{}, io.EOF
	}

	frameBytes := 4 * c.format.Channels
	buf := make([]byte, frameBytes*c.format.BlockSize)
	n, err := io.ReadFull(c.r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Block{}, err
	}
	frames := n / frameBytes
	if frames == 0 {
		return Block{}, io.EOF
	}

	return decodeFloat32LE(buf[:frames*frameBytes], c.format.Channels), nil
}

// decodeFloat32LE splits interleaved float32 little-endian frames per channel
func decodeFloat32LE(buf []byte, channels int) Block {
	frames := len(buf) / (4 * channels)
	block := Block{Channels: make([][]float32, channels)}
	for ch := range block.Channels {
		block.Channels[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 4
			block.Channels[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		}
	}
	return block
}

func (c *readerCapture) Disconnect() error { return nil }

func (c *readerCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *readerCapture) Tracks() []Track { return []Track{c.track} }
