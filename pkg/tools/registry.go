// Package tools hosts the agent tool catalogue: a small capability
// interface, a process-wide registry, and the built-in file, shell, and
// web tools.
package tools

import (
	"context"
	"sync"
)

// Tool is the capability surface every agent tool implements.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the argument object.
	Schema() map[string]any
	// Invoke runs the tool and returns its textual result.
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Registry is a name-keyed tool collection. Registration happens during
// startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns the registered tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, building the built-in tool
// set on first use. Loading tools is cheap but the registry is shared
// so orchestrator instances do not rebuild it per run.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		defaultRegistry.Register(&ReadLocalFile{})
		defaultRegistry.Register(&WriteLocalFile{})
		defaultRegistry.Register(&ReplaceTextInFile{})
		defaultRegistry.Register(&Terminal{})
		defaultRegistry.Register(&RunPythonCode{})
		defaultRegistry.Register(&WebSearch{})
		defaultRegistry.Register(&VisitWebpage{})
	})
	return defaultRegistry
}
