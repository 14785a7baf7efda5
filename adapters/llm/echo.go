package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

// EchoModel is the model name reported by EchoResponder
const EchoModel = "echo-dev"

// EchoResponder is a deterministic responder for local development and tests.
// It streams an acknowledgement of the user message word by word.
type EchoResponder struct {
	// Delay between chunks; zero streams as fast as the reader consumes
	Delay time.Duration
}

var _ repositories.ChatResponder = (*EchoResponder)(nil)

// NewEchoResponder creates a new echo responder
func NewEchoResponder(delay time.Duration) *EchoResponder {
	return &EchoResponder{Delay: delay}
}

// Model implements ChatResponder
func (e *EchoResponder) Model() string {
	return EchoModel
}

// Reply returns the full text EchoResponder streams for req
func (e *EchoResponder) Reply(req repositories.ReplyRequest) string {
	var b strings.Builder
	if req.Patient != nil && req.Patient.Name != "" {
		fmt.Fprintf(&b, "Regarding %s: ", req.Patient.Name)
	}
	fmt.Fprintf(&b, "You said %q.", strings.TrimSpace(req.Message))
	if turns := len(req.History) / 2; turns > 0 {
		fmt.Fprintf(&b, " This is turn %d of our conversation.", turns+1)
	}
	return b.String()
}

// StreamReply implements ChatResponder
func (e *EchoResponder) StreamReply(ctx context.Context, req repositories.ReplyRequest) (<-chan repositories.ReplyChunk, error) {
	words := strings.SplitAfter(e.Reply(req), " ")
	out := make(chan repositories.ReplyChunk)
	go func() {
		defer close(out)
		for i, word := range words {
			if i > 0 && e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- repositories.ReplyChunk{Text: word}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
