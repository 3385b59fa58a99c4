package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a pluggable tool. workingDir is the invocation's
// working directory, passed unchanged on every call.
type Handler func(ctx context.Context, args map[string]any, workingDir string) (string, error)

// Tool describes a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
	// Source names where the tool came from, such as "builtin" or a
	// tool runtime name.
	Source string `json:"source,omitempty"`
}

// Registry maps names to pluggable tool handlers. Each name has exactly
// one handler.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering a name twice, or a built-in name,
// is an error.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}
	if _, builtin := ParseKind(t.Name); builtin {
		return fmt.Errorf("register tool %q: name is reserved for a built-in tool", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns every registered tool sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
