// Package tools holds the tool contract used by the agent loop: a registry,
// an invoker that validates arguments before execution, and the built-in
// tools (flow-as-tool, file tools, retriever, human input).
package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"agentflow/internal/agent/ports"
)

// Registry is the tool set of one run. Lookups ignore case.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ports.ToolExecutor
	order []string
}

// NewRegistry registers tools in order. Duplicate names are an error.
func NewRegistry(tools ...ports.ToolExecutor) (*Registry, error) {
	r := &Registry{tools: make(map[string]ports.ToolExecutor)}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(tool ports.ToolExecutor) error {
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[key]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[key] = tool
	r.order = append(r.order, key)
	return nil
}

// Get returns the tool called name.
func (r *Registry) Get(name string) (ports.ToolExecutor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[strings.ToLower(strings.TrimSpace(name))]
	return tool, ok
}

// List returns tool definitions in registration order.
func (r *Registry) List() []ports.ToolDefinition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ports.ToolDefinition, 0, len(r.order))
	for _, key := range r.order {
		defs = append(defs, r.tools[key].Definition())
	}
	return defs
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
