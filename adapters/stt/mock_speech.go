package stt

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

// DefaultScript is dictated by MockSpeechToText
var DefaultScript = []string{
	"Patient tolerated the procedure well.",
	"One syringe of filler was placed in the left cheek.",
	"Follow up in two weeks.",
}

// half a second of 16 kHz mono LINEAR16
const defaultBytesPerWord = 16000

// MockSpeechToText reveals a fixed script one word at a time as audio arrives
type MockSpeechToText struct {
	logger       *zap.Logger
	script       []string
	bytesPerWord int
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// NewMockSpeechToText creates a new mock speech-to-text service.
// A nil script uses DefaultScript; bytesPerWord <= 0 uses half a second of audio.
func NewMockSpeechToText(script []string, bytesPerWord int, logger *zap.Logger) *MockSpeechToText {
	if len(script) == 0 {
		script = DefaultScript
	}
	if bytesPerWord <= 0 {
		bytesPerWord = defaultBytesPerWord
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockSpeechToText{logger: logger, script: script, bytesPerWord: bytesPerWord}
}

// InitTranscribeStreaming creates a new mock streaming session
func (s *MockSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	s.logger.Info("Initializing mock streaming transcription",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	sentences := make([][]string, len(s.script))
	for i, line := range s.script {
		sentences[i] = strings.Fields(line)
	}
	return &MockSpeechToTextStream{
		logger:       s.logger,
		sentences:    sentences,
		bytesPerWord: s.bytesPerWord,
		results:      make(chan repositories.TranscriptResult, 64),
	}, nil
}

// MockSpeechToTextStream is a mock implementation of streaming speech recognition.
// Results must be drained by the caller.
type MockSpeechToTextStream struct {
	logger       *zap.Logger
	sentences    [][]string
	bytesPerWord int
	results      chan repositories.TranscriptResult

	mu       sync.Mutex
	received int
	pending  int // bytes not yet turned into a word
	sentence int
	word     int
	finals   []string
	ended    bool
}

func (m *MockSpeechToTextStream) Results() <-chan repositories.TranscriptResult {
	return m.results
}

// Stream implements mock streaming audio processing
func (m *MockSpeechToTextStream) Stream(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return errors.New("stream already ended")
	}
	m.received += len(data)
	m.pending += len(data)

	for m.pending >= m.bytesPerWord && m.sentence < len(m.sentences) {
		m.pending -= m.bytesPerWord
		m.word++
		words := m.sentences[m.sentence]
		if m.word < len(words) {
			m.results <- repositories.TranscriptResult{Text: strings.Join(words[:m.word], " ")}
			continue
		}
		m.finishSentenceLocked()
	}
	return nil
}

func (m *MockSpeechToTextStream) finishSentenceLocked() {
	words := m.sentences[m.sentence]
	text := strings.Join(words[:min(m.word, len(words))], " ")
	m.finals = append(m.finals, text)
	m.results <- repositories.TranscriptResult{Text: text, IsFinal: true}
	m.sentence++
	m.word = 0
}

// End flushes the sentence in progress and returns the whole transcript
func (m *MockSpeechToTextStream) End() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return strings.Join(m.finals, " "), nil
	}
	m.ended = true
	if m.word > 0 && m.sentence < len(m.sentences) {
		m.finishSentenceLocked()
	}
	close(m.results)

	m.logger.Info("Ending mock transcription stream",
		zap.Int("bytes", m.received),
		zap.Int("sentences", len(m.finals)))

	if m.received == 0 {
		return "", errors.New("no audio data received")
	}
	if len(m.finals) == 0 {
		return "", errors.New("no speech detected in audio")
	}
	return strings.Join(m.finals, " "), nil
}
