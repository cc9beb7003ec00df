package graph

import (
	"fmt"
	"sort"
	"sync"
)

// Definition pairs a graph shape with the functions implementing its
// nodes.
type Definition struct {
	Graph *Graph
	Funcs FuncMap
}

// Registry maps workflow template IDs to runnable definitions. Workers
// register their definitions at startup and look them up per claimed run.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register binds a template ID to a definition. The graph must validate
// and every node must have a bound function.
func (r *Registry) Register(id string, def Definition) error {
	if def.Graph == nil {
		return fmt.Errorf("template %s: nil graph", id)
	}
	if err := def.Graph.Validate(); err != nil {
		return fmt.Errorf("template %s: %w", id, err)
	}
	for _, name := range def.Graph.Nodes() {
		if _, ok := def.Funcs[name]; !ok {
			return fmt.Errorf("template %s node %q: %w", id, name, ErrNoFunc)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[id] = def
	return nil
}

// Lookup returns the definition for a template ID.
func (r *Registry) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// IDs returns registered template IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
