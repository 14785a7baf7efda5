package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestToneDeviceBlocks(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 2, BlockSize: 512}
	capture, err := ToneDevice{Frequency: 1000, Amplitude: 0.5}.Open(context.Background(), format)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer Release(capture)

	count := 0
	for block, err := range Blocks(context.Background(), capture) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(block.Channels) != 2 || block.Frames() != 512 {
			t.Fatalf("block shape = %d x %d", len(block.Channels), block.Frames())
		}
		if rms := RMS(Downmix(block)); math.Abs(rms-0.5/math.Sqrt2) > 0.01 {
			t.Errorf("rms = %v", rms)
		}
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Errorf("got %d blocks, want 3", count)
	}
}

func TestToneDevicePacedByClock(t *testing.T) {
	clk := clock.NewMock()
	format := Format{SampleRate: 16000, Channels: 1, BlockSize: 1600}
	capture, err := ToneDevice{Clock: clk}.Open(context.Background(), format)
	if err != nil {
		t.Fatal(err)
	}
	defer Release(capture)

	got := make(chan Block, 1)
	go func() {
		block, err := capture.Read(context.Background())
		if err == nil {
			got <- block
		}
	}()

	select {
	case <-got:
		t.Fatal("block delivered before its period elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Add(100 * time.Millisecond)
	select {
	case block := <-got:
		if block.Frames() != 1600 {
			t.Errorf("frames = %d", block.Frames())
		}
	case <-time.After(time.Second):
		t.Fatal("block not delivered after tick")
	}
}

func TestBlocksStopsOnCancel(t *testing.T) {
	capture, err := ToneDevice{}.Open(context.Background(), DefaultFormat())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range Blocks(ctx, capture) {
		t.Fatal("no block expected after cancellation")
	}
}

func interleaved(frames [][2]float32) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		binary.Write(&buf, binary.LittleEndian, f[0])
		binary.Write(&buf, binary.LittleEndian, f[1])
	}
	return buf.Bytes()
}

func TestReaderDevice(t *testing.T) {
	data := interleaved([][2]float32{{1, 0}, {0.5, 0.5}, {-1, -1}})
	format := Format{SampleRate: 16000, Channels: 2, BlockSize: 2}
	capture, err := ReaderDevice{Reader: bytes.NewReader(data)}.Open(context.Background(), format)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer Release(capture)

	var blocks []Block
	for block, err := range Blocks(context.Background(), capture) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		blocks = append(blocks, block)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2 (one full, one partial)", len(blocks))
	}
	if blocks[0].Frames() != 2 || blocks[1].Frames() != 1 {
		t.Errorf("frames = %d, %d", blocks[0].Frames(), blocks[1].Frames())
	}
	if blocks[0].Channels[0][0] != 1 || blocks[0].Channels[1][1] != 0.5 || blocks[1].Channels[1][0] != -1 {
		t.Errorf("unexpected samples %v %v", blocks[0].Channels, blocks[1].Channels)
	}
}

func TestReaderDeviceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.f32")
	if err := os.WriteFile(path, interleaved([][2]float32{{0.1, 0.1}}), 0o600); err != nil {
		t.Fatal(err)
	}
	capture, err := ReaderDevice{Path: path}.Open(context.Background(), DefaultFormat())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := capture.Tracks()[0].Label(); got != path {
		t.Errorf("track label = %q", got)
	}
	if err := Release(capture); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := capture.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after release = %v, want EOF", err)
	}
}

func TestReaderDeviceMissingFile(t *testing.T) {
	_, err := ReaderDevice{Path: filepath.Join(t.TempDir(), "missing")}.Open(context.Background(), DefaultFormat())
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Kind != DeviceErrorNoDevice {
		t.Errorf("error = %v, want no_device", err)
	}
}

type failingCapture struct{ err error }

func (f failingCapture) Read(context.Context) (Block, error) { return Block{}, f.err }
func (failingCapture) Disconnect() error                     { return nil }
func (failingCapture) Close() error                          { return nil }
func (failingCapture) Tracks() []Track                       { return nil }

func TestBlocksYieldsReadError(t *testing.T) {
	boom := errors.New("device unplugged")
	var got []error
	for _, err := range Blocks(context.Background(), failingCapture{err: boom}) {
		got = append(got, err)
	}
	if len(got) != 1 || !errors.Is(got[0], boom) {
		t.Errorf("errors = %v", got)
	}
}

func TestClassifyDeviceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want DeviceErrorKind
	}{
		{"sentinel denied", fmt.Errorf("open mic: %w", ErrPermissionDenied), DeviceErrorDenied},
		{"os permission", os.ErrPermission, DeviceErrorDenied},
		{"browser not allowed", errors.New("NotAllowedError: Permission denied"), DeviceErrorDenied},
		{"browser not found", errors.New("NotFoundError: Requested device not found"), DeviceErrorNoDevice},
		{"missing file", os.ErrNotExist, DeviceErrorNoDevice},
		{"browser not readable", errors.New("NotReadableError: Could not start audio source"), DeviceErrorBusy},
		{"sentinel busy", ErrDeviceBusy, DeviceErrorBusy},
		{"unsupported", errors.New("NotSupportedError"), DeviceErrorUnsupported},
		{"other", errors.New("something odd"), DeviceErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyDeviceError(tt.err)
			if got.Kind != tt.want {
				t.Errorf("kind = %s, want %s", got.Kind, tt.want)
			}
			if got.Message == "" || got.Remediation == "" {
				t.Errorf("missing user-facing text: %+v", got)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the cause")
			}
		})
	}

	if ClassifyDeviceError(nil) != nil {
		t.Error("ClassifyDeviceError(nil) should be nil")
	}
}
