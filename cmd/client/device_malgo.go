//go:build malgo

package main

import "github.com/satriahrh/medspa-realtime/internal/audio"

func init() {
	microphone = audio.MicrophoneDevice{}
}
