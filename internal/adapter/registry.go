package adapter

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// InvalidAdapterError is a registration-time validation failure. It lists
// every missing field, not just the first, and is raised before any
// registry mutation.
type InvalidAdapterError struct {
	Missing []string
}

func (e *InvalidAdapterError) Error() string {
	return fmt.Sprintf("invalid adapter: missing %s", strings.Join(e.Missing, ", "))
}

// Registry indexes adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register validates and indexes an adapter. Name collisions overwrite
// the previous registration (last wins) with a warning, matching the
// upstream registries this daemon fronts.
func (r *Registry) Register(a Adapter) error {
	var missing []string
	if a == nil {
		return &InvalidAdapterError{Missing: []string{"adapter"}}
	}
	if a.Name() == "" {
		missing = append(missing, "name")
	}
	if a.Version() == "" {
		missing = append(missing, "version")
	}
	if len(a.Capabilities()) == 0 {
		missing = append(missing, "capabilities")
	}
	if len(missing) > 0 {
		return &InvalidAdapterError{Missing: missing}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		log.Printf("⚠️  Adapter %q re-registered, previous instance shadowed", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter registered under name. Pure lookup.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// List returns all registered adapters sorted by name. Pure lookup.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Constructor builds a fresh adapter instance.
type Constructor func() Adapter

var (
	builtinMu sync.Mutex
	builtins  = make(map[string]Constructor)
)

// RegisterBuiltin records a constructor for a compiled-in adapter.
// Concrete adapter packages call this from init(); importing the
// adapters package enables them all.
func RegisterBuiltin(name string, fn Constructor) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[name] = fn
}

// Builtins returns the names of compiled-in adapters, sorted.
func Builtins() []string {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBuiltin constructs a fresh instance of a compiled-in adapter.
func NewBuiltin(name string) (Adapter, error) {
	builtinMu.Lock()
	fn, ok := builtins[name]
	builtinMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported adapter: %s", name)
	}
	return fn(), nil
}
