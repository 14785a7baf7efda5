// Package audio turns captured float samples into the base64 PCM frames the
// transcription backend accepts, and abstracts the capture device.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// DefaultSampleRate is the capture rate expected by the transcription backend
	DefaultSampleRate = 16000
	// DefaultBlockSize is the number of frames per processed block
	DefaultBlockSize = 4096
	// DefaultChannels is the capture channel count; blocks are downmixed to mono
	DefaultChannels = 2
)

// Format describes the captured stream
type Format struct {
	SampleRate int
	Channels   int
	BlockSize  int
}

// DefaultFormat returns 16 kHz stereo in 4096-frame blocks
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels, BlockSize: DefaultBlockSize}
}

// Validate checks the format is usable
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", f.BlockSize)
	}
	return nil
}

// Block is one processed chunk of planar float samples in [-1, 1]
type Block struct {
	Channels [][]float32
}

// Frames returns the number of samples per channel
func (b Block) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Downmix averages all channels into one mono signal
func Downmix(b Block) []float32 {
	n := b.Frames()
	if n == 0 {
		return nil
	}
	if len(b.Channels) == 1 {
		return append([]float32(nil), b.Channels[0]...)
	}

	mono := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for i := 0; i < n; i++ {
		var sum float32
		for _, ch := range b.Channels {
			if i < len(ch) {
				sum += ch[i]
			}
		}
		mono[i] = sum * scale
	}
	return mono
}

// FloatToInt16 converts one sample: clamp to [-1, 1], then scale negative
// values by 0x8000 and positive values by 0x7FFF, truncating toward zero.
func FloatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	v := float64(s)
	v = math.Max(-1, math.Min(1, v))
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// EncodePCM16 packs samples as 16-bit signed little-endian PCM
func EncodePCM16(samples []float32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(FloatToInt16(s)))
	}
	return pcm
}

// DecodePCM16 unpacks 16-bit signed little-endian PCM
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not a whole number of samples", len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// EncodeBlock runs the whole pipeline for one block: downmix, PCM16, base64
func EncodeBlock(b Block) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(Downmix(b)))
}

// RMS returns the root-mean-square level of mono samples, in [0, 1]
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
