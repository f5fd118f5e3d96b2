// Package tools maps tool names to typed handlers. A handler is resolved
// once when a call starts and executed once its arguments are complete.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xiaot623/gogo/agui/internal/domain"
)

// ExecutorFunc runs a tool with parsed arguments.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Handler is one registered tool.
type Handler struct {
	Name        string
	Description string
	// Schema is a JSON schema for the arguments object. Empty accepts anything.
	Schema  json.RawMessage
	Kind    domain.ToolKind
	Execute ExecutorFunc

	compiled *jsonschema.Schema
}

// Validate checks parsed arguments against the handler's schema.
func (h *Handler) Validate(args json.RawMessage) error {
	if h.compiled == nil {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("unmarshal args: %w", err)
	}
	if err := h.compiled.Validate(doc); err != nil {
		return fmt.Errorf("args do not match schema of %s: %w", h.Name, err)
	}
	return nil
}

// Definition describes the handler to an agent.
func (h *Handler) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        h.Name,
		Description: h.Description,
		Parameters:  h.Schema,
	}
}

// Registry stores tool handlers keyed by tool name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]*Handler),
	}
}

// Register adds a handler, compiling its schema.
func (r *Registry) Register(h Handler) error {
	if h.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if h.Execute == nil {
		return fmt.Errorf("executor is required")
	}
	if h.Kind == "" {
		h.Kind = domain.ToolKindServer
	}
	if len(h.Schema) > 0 {
		compiled, err := compileSchema(h.Schema)
		if err != nil {
			return fmt.Errorf("failed to compile schema for %s: %w", h.Name, err)
		}
		h.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name]; exists {
		return fmt.Errorf("handler already registered for %s", h.Name)
	}
	r.handlers[h.Name] = &h
	return nil
}

// MustRegister adds a handler or panics.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for a tool name.
func (r *Registry) Resolve(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Definitions lists every registered tool sorted by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.handlers[name].Definition())
	}
	return defs
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	var doc interface{}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
