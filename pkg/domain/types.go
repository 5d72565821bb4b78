package domain

import "strings"

// Message is one entry of the working log. The concrete types are
// SystemMessage, UserMessage, AssistantMessage and ToolMessage; each carries
// only the fields valid for its role.
type Message interface {
	Role() Role
	isMessage()
}

// SystemMessage holds the instructions sent ahead of every model call.
type SystemMessage struct {
	Content string `json:"content"`
}

// UserMessage is user input, possibly with attached images.
type UserMessage struct {
	Parts []ContentPart `json:"parts"`
}

// AssistantMessage is one model response. It is either final (no tool calls)
// or requests tools, in which case Parts may still carry commentary text.
type AssistantMessage struct {
	Parts     []ContentPart `json:"parts,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
}

// ToolMessage is the result of one tool call. ToolCallID references a call of
// the immediately preceding AssistantMessage.
type ToolMessage struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Terminal   bool   `json:"terminal,omitempty"`
}

func (SystemMessage) Role() Role    { return RoleSystem }
func (UserMessage) Role() Role      { return RoleUser }
func (AssistantMessage) Role() Role { return RoleAssistant }
func (ToolMessage) Role() Role      { return RoleTool }

func (SystemMessage) isMessage()    {}
func (UserMessage) isMessage()      {}
func (AssistantMessage) isMessage() {}
func (ToolMessage) isMessage()      {}

// ContentPart is a typed piece of user or assistant content.
type ContentPart struct {
	Type  string    `json:"type"` // "text" or "image"
	Text  string    `json:"text,omitempty"`
	Image *ImageRef `json:"image,omitempty"`
}

// ImageRef references image bytes attached to a message.
type ImageRef struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
	Path     string `json:"path,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentTypeText, Text: text}
}

// NewUserText returns a user message with a single text part.
func NewUserText(text string) UserMessage {
	return UserMessage{Parts: []ContentPart{TextPart(text)}}
}

// Text joins the message's text parts with newlines.
func (m AssistantMessage) Text() string {
	return joinText(m.Parts)
}

// Text joins the message's text parts with newlines.
func (m UserMessage) Text() string {
	return joinText(m.Parts)
}

func joinText(parts []ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == ContentTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult represents the outcome of a tool call execution.
type ToolResult struct {
	Content string `json:"content"`
	// Terminal results end the turn and are displayed as-is instead of being
	// fed back to the model.
	Terminal bool `json:"terminal"`
	IsError  bool `json:"is_error"`
}

// TranscriptEntry is the display projection of one side of a turn.
type TranscriptEntry struct {
	Role  Role             `json:"role"`
	Parts []TranscriptPart `json:"parts"`
}

// TranscriptPart is one displayed block.
type TranscriptPart struct {
	Kind  string `json:"kind"` // "text" or "code"
	Value string `json:"value"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object with "properties" and "required".
	Parameters map[string]any
}
