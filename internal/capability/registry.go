package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type registered struct {
	def     Descriptor
	handler Handler
}

// Registry is the catalog of invocable capabilities. It preserves
// declaration order: Snapshot returns descriptors in the order they were
// registered, which downstream selection uses as a stable tie-break.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]registered
	order  []string
	gen    uint64
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registered)}
}

func (r *Registry) Register(def Descriptor, handler Handler) error {
	if r == nil {
		return errors.New("nil capability registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("capability name is required")
	}
	if handler == nil {
		return fmt.Errorf("capability %s missing handler", name)
	}
	if len(def.Schema) > 0 && !json.Valid(def.Schema) {
		return fmt.Errorf("capability %s has invalid schema", name)
	}
	def.Name = name
	def.Description = strings.TrimSpace(def.Description)
	def.Category = strings.ToLower(strings.TrimSpace(def.Category))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("capability %s already registered", name)
	}
	r.byName[name] = registered{def: def, handler: handler}
	r.order = append(r.order, name)
	r.gen++
	return nil
}

func (r *Registry) Unregister(name string) {
	if r == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return
	}
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.gen++
}

func (r *Registry) Resolve(name string) (Descriptor, Handler, bool) {
	if r == nil {
		return Descriptor{}, nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Descriptor{}, nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.byName[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return item.def, item.handler, true
}

// Snapshot returns all descriptors in declaration order.
func (r *Registry) Snapshot() []Descriptor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		if item, ok := r.byName[name]; ok {
			out = append(out, item.def)
		}
	}
	return out
}

// Mutates reports whether the named capability changes external state.
// Unknown capabilities report true: an unrecognized invocation must
// never be treated as safe to parallelize.
func (r *Registry) Mutates(name string) bool {
	def, _, ok := r.Resolve(name)
	if !ok {
		return true
	}
	return def.Mutates
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Generation increments on every catalog change. Selection memoization
// keys on it to invalidate cached results.
func (r *Registry) Generation() uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}
