package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/nstogner/sandboxchat/pkg/domain"
	"github.com/nstogner/sandboxchat/pkg/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiModel implements models.Provider using the Google Gemini API.
type GeminiModel struct {
	client *genai.Client
}

var _ models.Provider = (*GeminiModel)(nil)

// New creates a new GeminiModel.
func New(ctx context.Context, apiKey string) (*GeminiModel, error) {
	httpClient := models.NewHTTPClient("gemini", "x-goog-api-key", apiKey)
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiModel{client: client}, nil
}

// Close releases resources.
func (m *GeminiModel) Close() {
	m.client.Close()
}

// List returns available models.
func (m *GeminiModel) List(ctx context.Context) ([]string, error) {
	iter := m.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Found Gemini model", "name", model.Name)
		names = append(names, model.Name)
	}
	return names, nil
}

// Complete sends the working log to Gemini and aggregates the streamed reply.
func (m *GeminiModel) Complete(ctx context.Context, req models.Request) (domain.AssistantMessage, error) {
	slog.Debug("Gemini.Complete: Request Parameters", "model", req.Model, "messageCount", len(req.Messages))
	gm := m.client.GenerativeModel(req.Model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	gm.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		gm.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(req.Tools)}}
	}

	history := toContents(req.Messages)
	if len(history) == 0 {
		return domain.AssistantMessage{}, fmt.Errorf("no messages to send")
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	return aggregate(iter)
}

func aggregate(iter *genai.GenerateContentResponseIterator) (domain.AssistantMessage, error) {
	var fullText strings.Builder
	var toolCalls []domain.ToolCall

	slog.Debug("Aggregating Gemini response stream")

	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return domain.AssistantMessage{}, err
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			text, calls := fromParts(cand.Content.Parts)
			fullText.WriteString(text)
			toolCalls = append(toolCalls, calls...)
		}
	}

	var msg domain.AssistantMessage
	if fullText.Len() > 0 {
		msg.Parts = append(msg.Parts, domain.TextPart(fullText.String()))
	}
	msg.ToolCalls = toolCalls
	return msg, nil
}

// fromParts extracts text and function calls. Gemini does not assign call
// IDs so one is generated per call.
func fromParts(parts []genai.Part) (string, []domain.ToolCall) {
	var text strings.Builder
	var calls []domain.ToolCall
	for _, part := range parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			calls = append(calls, domain.ToolCall{
				ID:        "call-" + uuid.New().String(),
				Name:      p.Name,
				Arguments: p.Args,
			})
		}
	}
	return text.String(), calls
}

// toContents converts the working log. Consecutive messages that map to the
// same Gemini role are merged so all function responses of a round travel
// in one turn.
func toContents(msgs []domain.Message) []*genai.Content {
	var out []*genai.Content
	add := func(role string, parts []genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range msgs {
		switch m := msg.(type) {
		case domain.UserMessage:
			add("user", userParts(m.Parts))
		case domain.AssistantMessage:
			var parts []genai.Part
			if t := m.Text(); t != "" {
				parts = append(parts, genai.Text(t))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Arguments})
			}
			add("model", parts)
		case domain.ToolMessage:
			add("user", []genai.Part{genai.FunctionResponse{
				Name:     m.Name,
				Response: map[string]any{"result": m.Content},
			}})
		}
	}
	return out
}

func userParts(parts []domain.ContentPart) []genai.Part {
	var out []genai.Part
	for _, p := range parts {
		switch p.Type {
		case domain.ContentTypeText:
			if p.Text != "" {
				out = append(out, genai.Text(p.Text))
			}
		case domain.ContentTypeImage:
			if p.Image != nil && len(p.Image.Data) > 0 {
				format := strings.TrimPrefix(p.Image.MIMEType, "image/")
				out = append(out, genai.ImageData(format, p.Image.Data))
			}
		}
	}
	return out
}

func toDeclarations(specs []domain.ToolSpec) []*genai.FunctionDeclaration {
	var decls []*genai.FunctionDeclaration
	for _, s := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  schemaFromMap(s.Parameters),
		})
	}
	return decls
}

// schemaFromMap converts a JSON schema map into a genai.Schema.
func schemaFromMap(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}
