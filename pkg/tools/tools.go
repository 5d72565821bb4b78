package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nstogner/sandboxchat/pkg/domain"
)

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any // Simple representation of JSON schema
	// Terminal tools end the turn: their result is shown to the user instead
	// of being fed back to the model.
	Terminal() bool
	// Execute runs the tool. On failure it may return both a non-empty
	// result text and an error; the text is then shown in place of the error.
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// Registry manages the available tools.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools in registration order.
func (r *Registry) List() []Tool {
	var list []Tool
	for _, name := range r.order {
		list = append(list, r.tools[name])
	}
	return list
}

// Specs describes the registered tools to the model.
func (r *Registry) Specs() []domain.ToolSpec {
	var specs []domain.ToolSpec
	for _, t := range r.List() {
		specs = append(specs, domain.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return specs
}

// Dispatch executes a tool call. Tool failures are reported in the result
// with IsError set; they never abort the caller.
func (r *Registry) Dispatch(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	t, ok := r.Get(call.Name)
	if !ok {
		slog.Warn("Unknown tool requested", "tool", call.Name)
		return domain.ToolResult{Content: fmt.Sprintf("Error: unknown tool %q", call.Name), IsError: true}
	}

	slog.Info("Executing tool", "tool", call.Name, "callID", call.ID)
	out, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		slog.Warn("Tool failed", "tool", call.Name, "callID", call.ID, "error", err)
		if out == "" {
			out = "Error: " + err.Error()
		}
		return domain.ToolResult{Content: out, Terminal: t.Terminal(), IsError: true}
	}
	return domain.ToolResult{Content: out, Terminal: t.Terminal()}
}
