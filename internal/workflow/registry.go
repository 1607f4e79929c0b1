package workflow

import "fmt"

// Registry holds all workflow definitions for the process. It is
// populated once at startup and read-only afterwards, so no locking.
type Registry struct {
	defs  map[string]*Definition
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Duplicate IDs are a configuration error.
func (r *Registry) Register(def *Definition) error {
	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("%w: duplicate workflow id %q", ErrInvalidDefinition, def.ID)
	}
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
	return nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (*Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// All returns every definition in registration order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// ForOwner returns the definitions the given identity has access to,
// in registration order.
func (r *Registry) ForOwner(email string) []*Definition {
	var out []*Definition
	for _, id := range r.order {
		if def := r.defs[id]; def.HasAccess(email) {
			out = append(out, def)
		}
	}
	return out
}
