package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.4
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 60
)

const systemPrompt = `You are the assistant of a medical spa clinic. You help providers with ` +
	`treatment notes, aftercare instructions and scheduling questions. Answer concisely, ` +
	`never invent clinical facts, and say so when information is missing.`

// fallbackReply is streamed when the model fails before producing any text
const fallbackReply = "Sorry, I could not generate a response right now. Please try again."

// GeminiConfig holds the settings of the Gemini responder
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}

	// Validate topP is in the valid range
	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

// withDefaults fills zero values
func (c GeminiConfig) withDefaults() GeminiConfig {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	return c
}

// GeminiResponder implements ChatResponder using Google's Gemini API
type GeminiResponder struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

var _ repositories.ChatResponder = (*GeminiResponder)(nil)

// NewGeminiResponder creates a Gemini-backed responder
func NewGeminiResponder(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiResponder, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini responder ready", zap.String("model", config.Model))
	return &GeminiResponder{client: client, config: config, logger: logger}, nil
}

// Model implements ChatResponder
func (g *GeminiResponder) Model() string {
	return g.config.Model
}

// StreamReply implements ChatResponder
func (g *GeminiResponder) StreamReply(ctx context.Context, req repositories.ReplyRequest) (<-chan repositories.ReplyChunk, error) {
	contents := append(convertTurnsToGeminiFormat(req.History), genai.NewContentFromText(req.Message, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(buildSystemInstruction(req.Patient), genai.RoleUser),
		Temperature:       genai.Ptr(g.config.Temperature),
		TopP:              genai.Ptr(g.config.TopP),
		TopK:              genai.Ptr(g.config.TopK),
		MaxOutputTokens:   int32(g.config.MaxOutputTokens),
	}

	out := make(chan repositories.ReplyChunk)
	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(g.config.TimeoutSeconds)*time.Second)
		defer cancel()

		produced := false
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.config.Model, contents, config) {
			if err != nil {
				g.logger.Error("Gemini stream failed",
					zap.String("conversation_id", req.ConversationID),
					zap.Bool("produced", produced),
					zap.Error(err))
				if !produced {
					// Return fallback instead of error
					send(ctx, out, repositories.ReplyChunk{Text: fallbackReply})
				} else {
					send(ctx, out, repositories.ReplyChunk{Err: err})
				}
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			produced = true
			if !send(ctx, out, repositories.ReplyChunk{Text: text}) {
				return
			}
		}
		if !produced {
			g.logger.Warn("Empty response from Gemini", zap.String("conversation_id", req.ConversationID))
			send(ctx, out, repositories.ReplyChunk{Text: fallbackReply})
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- repositories.ReplyChunk, chunk repositories.ReplyChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// responseText extracts text from the first candidate
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// buildSystemInstruction appends the patient context to the system prompt
func buildSystemInstruction(patient *entities.PatientContext) string {
	if patient == nil {
		return systemPrompt
	}
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nPatient context:")
	if patient.Name != "" {
		fmt.Fprintf(&b, "\n- Name: %s", patient.Name)
	}
	if patient.ID != "" {
		fmt.Fprintf(&b, "\n- ID: %s", patient.ID)
	}
	if patient.Summary != "" {
		fmt.Fprintf(&b, "\n- Summary: %s", patient.Summary)
	}
	if len(patient.Allergies) > 0 {
		fmt.Fprintf(&b, "\n- Allergies: %s", strings.Join(patient.Allergies, ", "))
	}
	return b.String()
}

// convertTurnsToGeminiFormat converts conversation turns to Gemini format
func convertTurnsToGeminiFormat(turns []repositories.ChatTurn) []*genai.Content {
	var contents []*genai.Content

	for _, turn := range turns {
		var role genai.Role
		switch turn.Role {
		case repositories.AssistantRole:
			role = genai.RoleModel
		default:
			role = genai.RoleUser // system turns are sent as user turns
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}

	return contents
}
