// Package tools defines the tool interface, the registry, and the
// selection strategies that pick which specs a request exposes to the
// model.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/arclabs/arcreactor/pkg/models"
)

// Tool is an executable capability offered to the model.
type Tool interface {
	// Spec describes the tool to the model and the runtime.
	Spec() models.ToolSpec

	// Execute runs the tool with JSON arguments and returns its output.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds tools by name. Duplicate registrations keep the first
// tool and log the collision; a later registration never silently
// replaces an earlier one.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool. Returns false when the name is already taken.
func (r *Registry) Register(t Tool) bool {
	name := t.Spec().Name
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		if r.logger != nil {
			r.logger.Warn("duplicate tool registration ignored", "tool", name)
		}
		return false
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return true
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Specs returns the specs of all tools in registration order.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec())
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
