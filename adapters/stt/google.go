package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText for Google Cloud
type GoogleSpeechToText struct {
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a Google Cloud streaming transcriber.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
func NewGoogleSpeechToText(logger *zap.Logger) *GoogleSpeechToText {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleSpeechToText{logger: logger}
}

func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	// Convert encoding string to Google Speech API enum
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	// Create Google Cloud Speech client
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	// Create streaming recognize request
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	// Send initial configuration
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &GoogleSpeechToTextStream{
		client:   client,
		stream:   stream,
		ctx:      ctx,
		logger:   g.logger,
		results:  make(chan repositories.TranscriptResult, 16),
		recvDone: make(chan struct{}),
	}
	go s.receiveResults()
	return s, nil
}

// GoogleSpeechToTextStream is one StreamingRecognize call
type GoogleSpeechToTextStream struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context
	logger *zap.Logger

	results  chan repositories.TranscriptResult
	recvDone chan struct{}

	mu            sync.Mutex
	audioReceived bool
	finals        []string
	recvErr       error
}

// Results implements SpeechToTextStreaming. The channel is closed when the
// recognizer finishes.
func (g *GoogleSpeechToTextStream) Results() <-chan repositories.TranscriptResult {
	return g.results
}

func (g *GoogleSpeechToTextStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	g.mu.Lock()
	g.audioReceived = true
	g.mu.Unlock()

	// Send audio data to Google
	if err := g.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// End closes the audio stream, waits for the last results and returns the
// final transcript
func (g *GoogleSpeechToTextStream) End() (string, error) {
	defer g.client.Close()

	// Close the send stream to signal end of audio
	if err := g.stream.CloseSend(); err != nil {
		return "", fmt.Errorf("failed to close send stream: %w", err)
	}

	select {
	case <-g.recvDone:
	case <-g.ctx.Done():
		return "", fmt.Errorf("context cancelled while waiting for result: %w", g.ctx.Err())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recvErr != nil {
		return "", g.recvErr
	}
	if !g.audioReceived {
		return "", errors.New("no audio data received")
	}
	if len(g.finals) == 0 {
		return "", errors.New("no speech detected in audio")
	}
	return strings.Join(g.finals, " "), nil
}

func (g *GoogleSpeechToTextStream) receiveResults() {
	defer close(g.recvDone)
	defer close(g.results)

	for {
		resp, err := g.stream.Recv()
		if err == io.EOF {
			// Stream ended normally
			return
		}
		if err != nil {
			g.mu.Lock()
			g.recvErr = fmt.Errorf("failed to receive response: %w", err)
			g.mu.Unlock()
			return
		}

		for _, result := range toTranscriptResults(resp) {
			if result.IsFinal {
				g.mu.Lock()
				g.finals = append(g.finals, result.Text)
				g.mu.Unlock()
			}
			select {
			case g.results <- result:
			case <-g.ctx.Done():
				return
			}
		}
	}
}

// toTranscriptResults keeps the best alternative of every result
func toTranscriptResults(resp *speechpb.StreamingRecognizeResponse) []repositories.TranscriptResult {
	if resp == nil {
		return nil
	}
	var out []repositories.TranscriptResult
	var interim strings.Builder
	for _, result := range resp.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(result.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		if result.IsFinal {
			out = append(out, repositories.TranscriptResult{Text: text, IsFinal: true})
			continue
		}
		// interim results split one hypothesis by stability
		if interim.Len() > 0 {
			interim.WriteByte(' ')
		}
		interim.WriteString(text)
	}
	if interim.Len() > 0 {
		out = append(out, repositories.TranscriptResult{Text: interim.String()})
	}
	return out
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
