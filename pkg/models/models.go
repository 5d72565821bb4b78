package models

import (
	"context"

	"github.com/nstogner/sandboxchat/pkg/domain"
)

// Request is one model invocation over the working log.
type Request struct {
	Model  string
	System string
	// Messages is the working log without the system message.
	Messages    []domain.Message
	Tools       []domain.ToolSpec
	Temperature float64
	MaxTokens   int
}

// Provider represents a service that provides LLMs (e.g. Anthropic, Gemini).
type Provider interface {
	// Complete sends the request and returns one assistant message. Every
	// returned tool call carries a non-empty ID.
	Complete(ctx context.Context, req Request) (domain.AssistantMessage, error)
}

// SplitSystem separates the leading system message from the rest of the log.
func SplitSystem(log []domain.Message) (string, []domain.Message) {
	if len(log) > 0 {
		if sys, ok := log[0].(domain.SystemMessage); ok {
			return sys.Content, log[1:]
		}
	}
	return "", log
}
