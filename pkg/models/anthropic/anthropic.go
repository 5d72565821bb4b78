// Package anthropic implements models.Provider with the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/nstogner/sandboxchat/pkg/domain"
	"github.com/nstogner/sandboxchat/pkg/models"
)

const defaultMaxTokens = 4096

// Provider talks to Claude models.
type Provider struct {
	client *anthropic.Client
}

var _ models.Provider = (*Provider)(nil)

// New creates a Provider. Extra options are applied after the API key, e.g.
// option.WithBaseURL for tests.
func New(apiKey string, opts ...option.RequestOption) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(models.NewHTTPClient("anthropic", "", "")),
	}
	client := anthropic.NewClient(append(base, opts...)...)
	return &Provider{client: &client}, nil
}

// Complete sends the working log and returns the assistant reply.
func (p *Provider) Complete(ctx context.Context, req models.Request) (domain.AssistantMessage, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    toMessageParams(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}

	slog.Debug("Anthropic.Complete: Request Parameters", "model", req.Model, "messageCount", len(params.Messages))
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return domain.AssistantMessage{}, fmt.Errorf("anthropic request: %w", err)
	}
	slog.Debug("Anthropic response", "stopReason", msg.StopReason, "inputTokens", msg.Usage.InputTokens, "outputTokens", msg.Usage.OutputTokens)
	return fromContent(msg.Content), nil
}

func fromContent(content []anthropic.ContentBlockUnion) domain.AssistantMessage {
	var out domain.AssistantMessage
	for _, block := range content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if b.Text != "" {
				out.Parts = append(out.Parts, domain.TextPart(b.Text))
			}
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					slog.Warn("Dropping unparsable tool arguments", "tool", b.Name, "error", err)
					args = map[string]any{}
				}
			}
			id := b.ID
			if id == "" {
				id = "call-" + uuid.New().String()
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: id, Name: b.Name, Arguments: args})
		}
	}
	return out
}

// toMessageParams converts the working log. Tool results are sent in user
// turns and consecutive same-role turns are merged, as the API requires
// alternating roles.
func toMessageParams(msgs []domain.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	add := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch m := msg.(type) {
		case domain.UserMessage:
			add(anthropic.MessageParamRoleUser, userBlocks(m.Parts))
		case domain.AssistantMessage:
			var blocks []anthropic.ContentBlockParamUnion
			if t := m.Text(); t != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks)
		case domain.ToolMessage:
			add(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError),
			})
		}
	}
	return out
}

func userBlocks(parts []domain.ContentPart) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch p.Type {
		case domain.ContentTypeText:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case domain.ContentTypeImage:
			if p.Image != nil && len(p.Image.Data) > 0 {
				blocks = append(blocks, anthropic.NewImageBlockBase64(p.Image.MIMEType, base64.StdEncoding.EncodeToString(p.Image.Data)))
			}
		}
	}
	return blocks
}

func toTools(specs []domain.ToolSpec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(specs))
	for i, s := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Properties: s.Parameters["properties"],
		}
		if req, ok := s.Parameters["required"].([]string); ok && len(req) > 0 {
			inputSchema.Required = req
		}
		result[i] = anthropic.ToolUnionParamOfTool(inputSchema, s.Name)
		if s.Description != "" {
			result[i].OfTool.Description = anthropic.String(s.Description)
		}
	}
	return result
}
