package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// DefinitionFactory builds a fresh definition for a flow type.
type DefinitionFactory func() (*api.FlowDefinition, error)

// Registry resolves stable flow-type identifiers to definitions. A factory
// registered for a type wins over a plain definition registered for it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DefinitionFactory
	defs      map[string]*api.FlowDefinition
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]DefinitionFactory),
		defs:      make(map[string]*api.FlowDefinition),
	}
}

// Register binds a factory to flowType.
func (r *Registry) Register(flowType string, factory DefinitionFactory) error {
	if flowType == "" {
		return fmt.Errorf("%w: flow type is required", api.ErrValidation)
	}
	if factory == nil {
		return fmt.Errorf("%w: flow %q has a nil factory", api.ErrValidation, flowType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[flowType]; exists {
		return fmt.Errorf("flow %q already registered", flowType)
	}
	r.factories[flowType] = factory
	return nil
}

// RegisterDefinition registers a validated definition under its Type. It is
// the default construction used when no factory is registered.
func (r *Registry) RegisterDefinition(def *api.FlowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", api.ErrValidation)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("flow %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Resolve returns a validated definition for flowType.
func (r *Registry) Resolve(flowType string) (*api.FlowDefinition, error) {
	r.mu.RLock()
	factory := r.factories[flowType]
	def := r.defs[flowType]
	r.mu.RUnlock()

	if factory != nil {
		built, err := factory()
		if err != nil {
			return nil, fmt.Errorf("build flow %q: %w", flowType, err)
		}
		if built == nil {
			return nil, fmt.Errorf("%w: factory for flow %q returned nil", api.ErrValidation, flowType)
		}
		if built.Type == "" {
			built.Type = flowType
		}
		if built.Type != flowType {
			return nil, fmt.Errorf("%w: factory for flow %q built %q", api.ErrValidation, flowType, built.Type)
		}
		if err := built.Validate(); err != nil {
			return nil, err
		}
		return built, nil
	}
	if def != nil {
		return def, nil
	}
	return nil, fmt.Errorf("flow type %q %w", flowType, api.ErrNotFound)
}

// Types lists every registered flow type in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories)+len(r.defs))
	for t := range r.factories {
		out = append(out, t)
	}
	for t := range r.defs {
		if _, dup := r.factories[t]; !dup {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
