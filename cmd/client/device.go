package main

import (
	"errors"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/medspa-realtime/internal/audio"
)

// set when built with -tags malgo
var microphone audio.Device

// inputDevice maps AUDIO_INPUT to a capture device: "tone", "mic", or a
// path to raw interleaved float32 little-endian samples.
func inputDevice(input string) (audio.Device, error) {
	switch input {
	case "", "tone":
		return audio.ToneDevice{Frequency: 440, Clock: clock.New()}, nil
	case "mic":
		if microphone == nil {
			return nil, errors.New("microphone capture needs a build with -tags malgo")
		}
		return microphone, nil
	default:
		return audio.ReaderDevice{Path: input}, nil
	}
}
