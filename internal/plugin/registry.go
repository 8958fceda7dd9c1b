package plugin

import "strings"

// Registry is the ordered store of loaded plugins: a slice in load order
// (core pass before extension pass, dependency order within a pass) plus a
// case-insensitive name index. At most one plugin per normalized name; the
// plugin loaded first wins. The registry is append-only during startup and
// read-only afterwards.
type Registry struct {
	ordered []*Plugin
	index   map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]*Plugin),
	}
}

// Add appends a plugin. A normalized-name collision returns a
// DuplicateError and leaves the registry unchanged.
func (r *Registry) Add(p *Plugin) error {
	key := p.NormalizedName()
	if existing, ok := r.index[key]; ok {
		return &DuplicateError{Name: key, Path: p.Path, KeptPath: existing.Path}
	}
	r.index[key] = p
	r.ordered = append(r.ordered, p)
	return nil
}

// GetByName retrieves a plugin by name, case-insensitively. Returns the
// first-loaded plugin under the normalized name, or a NotFoundError
// carrying the normalized name.
func (r *Registry) GetByName(name string) (*Plugin, error) {
	norm := strings.ToLower(name)
	if p, ok := r.index[norm]; ok {
		return p, nil
	}
	return nil, &NotFoundError{Name: norm}
}

// Has reports whether a plugin is registered under the name.
func (r *Registry) Has(name string) bool {
	_, ok := r.index[strings.ToLower(name)]
	return ok
}

// All returns the registered plugins in load order.
func (r *Registry) All() []*Plugin {
	out := make([]*Plugin, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.ordered)
}
