// Package registry holds the per-kind tool registry the dispatcher routes by.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/amberflow/stagehand/pkg/ports"
)

// Registry manages the available tools, keyed by kind.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ports.Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools: make(map[string]ports.Tool),
	}
}

// Register adds a tool to the registry.
// If a tool with the same kind exists, it is overwritten.
func (r *Registry) Register(tool ports.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Kind()] = tool
}

// Lookup returns the tool for a kind.
// Returns an error if the kind is not registered.
func (r *Registry) Lookup(kind string) (ports.Tool, error) {
	r.mu.RLock()
	tool, ok := r.tools[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tool not found: %s", kind)
	}
	return tool, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.tools))
	for k := range r.tools {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
