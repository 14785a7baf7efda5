package repositories

import "context"

// SpeechToText abstracts speech recognition services
type SpeechToText interface {
	// InitTranscribeStreaming initializes a streaming transcription session
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// TranscriptResult is one recognition hypothesis.
// Partial results carry the full running hypothesis, not a delta.
type TranscriptResult struct {
	Text    string
	IsFinal bool
}

type SpeechToTextStreaming interface {
	Stream(data []byte) error
	Results() <-chan TranscriptResult
	End() (string, error)
}
