package flows

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	aferrors "agentflow/internal/errors"
	"agentflow/internal/security/pathguard"
)

// ErrNotFound is returned by Get for an unknown flow id.
var ErrNotFound = errors.New("flow not found")

type fileFormat struct {
	Flows []Flow `yaml:"flows"`
}

// Registry is the set of flows loaded from a flows file.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]Flow
}

// NewRegistry validates and indexes flows.
func NewRegistry(flows ...Flow) (*Registry, error) {
	r := &Registry{flows: make(map[string]Flow, len(flows))}
	for _, f := range flows {
		if err := r.Put(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads a flows file. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewRegistry()
	}
	if err != nil {
		return nil, fmt.Errorf("read flows file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a flows document. Unknown keys are rejected.
func Parse(data []byte) (*Registry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewRegistry()
	}
	var doc fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse flows file: %w", err)
	}
	return NewRegistry(doc.Flows...)
}

// Put adds or replaces a flow after validating it.
func (r *Registry) Put(f Flow) error {
	f.ID = strings.ToLower(strings.TrimSpace(f.ID))
	f.Strategy = strings.ToLower(strings.TrimSpace(f.Strategy))
	if f.Strategy == "" {
		f.Strategy = StrategyToolCalling
	}
	if err := Validate(f); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID] = f
	return nil
}

// Get returns the flow with id.
func (r *Registry) Get(id string) (Flow, error) {
	if err := pathguard.ValidateFlowID(id); err != nil {
		return Flow{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[strings.ToLower(id)]
	if !ok {
		return Flow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// List returns the flows sorted by name.
func (r *Registry) List() []Flow {
	r.mu.RLock()
	out := make([]Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of flows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

// Validate checks a flow definition on its own. Flow tools must name a
// valid, different flow and an http(s) base URL.
func Validate(f Flow) error {
	if err := pathguard.ValidateFlowID(f.ID); err != nil {
		return err
	}
	switch f.Strategy {
	case StrategyReAct, StrategyToolCalling, StrategyAutoGPT:
	default:
		return aferrors.NewInvalidFormat("strategy", "flow %s: unknown strategy %q", f.ID, f.Strategy)
	}
	if f.MaxIterations < 0 {
		return aferrors.NewInvalidFormat("maxIterations", "flow %s: maxIterations must not be negative", f.ID)
	}

	names := make(map[string]struct{}, len(f.Tools))
	for i, t := range f.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		switch t.Type {
		case ToolFlow:
			if err := pathguard.ValidateFlowID(t.FlowID); err != nil {
				return err
			}
			if strings.EqualFold(t.FlowID, f.ID) {
				return aferrors.NewOutOfScope(field, "flow %s cannot call itself", f.ID)
			}
			if err := pathguard.ValidateBaseURL(t.BaseURL); err != nil {
				return err
			}
		case ToolReadFile, ToolWriteFile, ToolRetriever, ToolHuman:
		default:
			return aferrors.NewInvalidFormat(field, "flow %s: unknown tool type %q", f.ID, t.Type)
		}
		if t.TopK < 0 {
			return aferrors.NewInvalidFormat(field, "flow %s: topK must not be negative", f.ID)
		}
		if t.Name == "" {
			continue
		}
		key := strings.ToLower(t.Name)
		if _, dup := names[key]; dup {
			return aferrors.NewInvalidFormat(field, "flow %s: duplicate tool name %q", f.ID, t.Name)
		}
		names[key] = struct{}{}
	}
	return nil
}
