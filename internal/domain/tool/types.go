// Package tool defines the plugin capability contract and the streaming
// tool-call orchestration loop.
package tool

import (
	"context"

	"llmcord/internal/domain/llm"
)

// Tool is one named capability the model can invoke with JSON arguments.
// Implementations translate expected failure modes (rate limits, upstream
// errors, empty queries) into the typed errors in errors.go instead of
// returning raw transport errors.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools built once at startup, looked up by name.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the previous tool
// without changing its position.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns the function-calling descriptors for every registered
// tool that passes the allow-list. A nil allowed func means all.
func (r *Registry) Definitions(allowed func(name string) bool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if allowed != nil && !allowed(name) {
			continue
		}
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}
