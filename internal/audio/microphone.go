//go:build malgo

package audio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// seconds of audio kept when the reader falls behind
const microphoneBacklog = 10

// MicrophoneDevice captures from the default system input through miniaudio
type MicrophoneDevice struct{}

// Open starts the default capture device as interleaved float32
func (MicrophoneDevice) Open(ctx context.Context, format Format) (Capture, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	c := &microphoneCapture{
		format: format,
		mctx:   mctx,
		ready:  make(chan struct{}, 1),
		limit:  microphoneBacklog * format.SampleRate * format.Channels * 4,
	}

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.Capture.Format = malgo.FormatF32
	config.Capture.Channels = uint32(format.Channels)
	config.SampleRate = uint32(format.SampleRate)

	device, err := malgo.InitDevice(mctx.Context, config, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		c.releaseContext()
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		c.releaseContext()
		return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}

	c.track = &namedTrack{label: "microphone", stop: func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped = true
		c.signal()
		return nil
	}}
	return c, nil
}

type microphoneCapture struct {
	format Format
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	track  Track
	ready  chan struct{}
	limit  int

	mu       sync.Mutex
	buf      []byte
	detached bool
	closed   bool
	stopped  bool
}

func (c *microphoneCapture) onData(_, input []byte, _ uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return
	}
	c.buf = append(c.buf, input...)
	if over := len(c.buf) - c.limit; over > 0 {
		c.buf = c.buf[over:]
	}
	c.signal()
}

// signal must be called with mu held
func (c *microphoneCapture) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *microphoneCapture) Read(ctx context.Context) (Block, error) {
	blockBytes := c.format.BlockSize * c.format.Channels * 4
	for {
		c.mu.Lock()
		if c.closed || c.stopped {
			c.mu.Unlock()
			return Block{}, io.EOF
		}
		if len(c.buf) >= blockBytes {
			chunk := make([]byte, blockBytes)
			copy(chunk, c.buf)
			c.buf = c.buf[blockBytes:]
			c.mu.Unlock()
			return decodeFloat32LE(chunk, c.format.Channels), nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case <-c.ready:
		}
	}
}

func (c *microphoneCapture) Disconnect() error {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
	return c.device.Stop()
}

func (c *microphoneCapture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.buf = nil
	c.signal()
	c.mu.Unlock()

	c.device.Uninit()
	return c.releaseContext()
}

func (c *microphoneCapture) releaseContext() error {
	err := c.mctx.Uninit()
	c.mctx.Free()
	return err
}

func (c *microphoneCapture) Tracks() []Track { return []Track{c.track} }
