// Package tools resolves opaque tool addresses to invocation specs and
// carries out the calls. Tool implementations live outside the core; the
// registry only knows how to reach them and what their payloads look like.
package tools

import (
	"sort"
	"sync"
	"time"
)

// Transport names for Spec.Transport.
const (
	TransportHTTP    = "http"
	TransportBuiltin = "builtin"
)

// Spec describes how to reach one tool and what it accepts and returns.
// Schemas are plain JSON-schema documents; nil means unconstrained.
type Spec struct {
	Address        string
	Transport      string
	Endpoint       string
	InputSchema    map[string]any
	OutputSchema   map[string]any
	TimeoutSeconds int
	ScopesRequired []string
}

// Timeout returns the tool's default call deadline. Steps may override it.
func (s Spec) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Registry is a two-layer address table: catalog entries loaded from disk
// shadow the compiled-in test builtins.
type Registry struct {
	mu       sync.RWMutex
	catalog  map[string]Spec
	builtins map[string]Spec
}

func NewRegistry() *Registry {
	return &Registry{
		catalog:  map[string]Spec{},
		builtins: builtinSpecs(),
	}
}

// Lookup resolves an address, preferring the catalog layer.
func (r *Registry) Lookup(address string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec, ok := r.catalog[address]; ok {
		return spec, true
	}
	spec, ok := r.builtins[address]
	return spec, ok
}

// SetCatalog replaces the catalog layer wholesale. The builtin layer is
// never touched.
func (r *Registry) SetCatalog(specs []Spec) {
	next := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		next[spec.Address] = spec
	}
	r.mu.Lock()
	r.catalog = next
	r.mu.Unlock()
}

// List returns every resolvable spec, catalog shadowing applied, sorted
// by address.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	merged := make(map[string]Spec, len(r.builtins)+len(r.catalog))
	for address, spec := range r.builtins {
		merged[address] = spec
	}
	for address, spec := range r.catalog {
		merged[address] = spec
	}
	specs := make([]Spec, 0, len(merged))
	for _, spec := range merged {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Address < specs[j].Address })
	return specs
}
