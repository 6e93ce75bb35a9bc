// Package registry implements the Contract & Port Registry (spec §4.A): a
// process-wide, immutable-after-seed catalog of ComponentDefinitions.
package registry

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/secflow/engine/internal/domain"
)

// Registry is the in-process catalog. Safe for concurrent reads after Seed
// completes; spec §5 notes the registry needs no lock once read-only.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*domain.ComponentDefinition
	sealed   bool
	validate *validator.Validate
}

// New constructs an empty, unsealed Registry.
func New() *Registry {
	return &Registry{
		defs:     make(map[string]*domain.ComponentDefinition),
		validate: validator.New(),
	}
}

// Register adds one definition. Registering an id twice, or registering
// after Seal, fails with a *domain.ConfigurationError (spec §4.A).
func (r *Registry) Register(def *domain.ComponentDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return domain.NewConfigurationError(def.ID, "registry is sealed; cannot register after startup")
	}
	if _, exists := r.defs[def.ID]; exists {
		return domain.NewConfigurationError(def.ID, "component already registered")
	}
	if err := r.validate.Struct(def); err != nil {
		return domain.NewConfigurationError(def.ID, fmt.Sprintf("invalid definition: %v", err))
	}
	r.defs[def.ID] = def
	return nil
}

// Seal forbids further registration, modeling spec §4.A's "mutations
// forbidden post-seed".
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get looks up a definition by id.
func (r *Registry) Get(id string) (*domain.ComponentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// List returns every registered definition, in no particular order.
func (r *Registry) List() []*domain.ComponentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.ComponentDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}
