package registry

import (
	"errors"
	"fmt"
)

// ErrModelNotFound is returned by Get for unknown ids
var ErrModelNotFound = errors.New("model not found")

// Registry holds the fixed set of models in insertion order
type Registry struct {
	models []*Model
	byID   map[string]*Model
}

// New builds a registry. Ids must be unique and capacities positive.
func New(models []*Model) (*Registry, error) {
	r := &Registry{
		models: make([]*Model, 0, len(models)),
		byID:   make(map[string]*Model, len(models)),
	}

	for _, m := range models {
		if m == nil {
			return nil, fmt.Errorf("nil model at position %d", len(r.models))
		}
		if m.ID == "" {
			return nil, fmt.Errorf("model at position %d has no id", len(r.models))
		}
		if _, exists := r.byID[m.ID]; exists {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		if m.MaxCapacity <= 0 {
			return nil, fmt.Errorf("model %q: max capacity must be positive, got %d", m.ID, m.MaxCapacity)
		}
		m.index = len(r.models)
		r.models = append(r.models, m)
		r.byID[m.ID] = m
	}

	return r, nil
}

// Get looks up a model by id
func (r *Registry) Get(id string) (*Model, error) {
	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// All returns every model in insertion order
func (r *Registry) All() []*Model {
	out := make([]*Model, len(r.models))
	copy(out, r.models)
	return out
}

// WithCapability returns the models carrying tag, in insertion order
func (r *Registry) WithCapability(tag string) []*Model {
	var out []*Model
	for _, m := range r.models {
		if m.HasCapability(tag) {
			out = append(out, m)
		}
	}
	return out
}

// IDs returns model ids in insertion order
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.models))
	for i, m := range r.models {
		ids[i] = m.ID
	}
	return ids
}

func (r *Registry) Len() int {
	return len(r.models)
}
