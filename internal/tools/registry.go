// Package tools holds the functions experts may call and runs the tool step
// of a parked task.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-experts/internal/provider"
)

// Handler executes a tool call and returns the result as a string.
type Handler func(ctx context.Context, args string) (string, error)

// Registry holds available tools and their handlers.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]provider.Tool
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]provider.Tool),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool definition and its handler, replacing any tool of the
// same name.
func (r *Registry) Register(def provider.Tool, handler Handler) {
	if def.Type == "" {
		def.Type = "function"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Function.Name] = def
	r.handlers[def.Function.Name] = handler
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Tool, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Execute runs a tool by name with the given JSON arguments.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, args)
}

// Run executes every call and returns one tool message per call. A failing
// call yields an error text so the model can still answer.
func (r *Registry) Run(ctx context.Context, calls []provider.ToolCall) []provider.Message {
	out := make([]provider.Message, 0, len(calls))
	for _, c := range calls {
		content, err := r.Execute(ctx, c.Function.Name, c.Function.Arguments)
		if err != nil {
			content = fmt.Sprintf(`{"error":%q}`, err.Error())
		}
		out = append(out, provider.Message{
			Role:       provider.RoleTool,
			Name:       c.Function.Name,
			ToolCallID: c.ID,
			Content:    content,
		})
	}
	return out
}

// RegisterBuiltins adds the tools available without any MCP server.
func RegisterBuiltins(reg *Registry) {
	reg.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "get_current_time",
			Description: "Get the current date and time in UTC",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}, func(ctx context.Context, args string) (string, error) {
		return fmt.Sprintf(`{"utc":"%s"}`, time.Now().UTC().Format(time.RFC3339)), nil
	})
}
