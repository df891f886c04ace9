package bind

import (
	"reflect"
	"sync"
)

// Registry remembers which Go types have been bound. A value of a bound type
// returned from a bound method or read from a bound attribute crosses as an
// object of the type's class rather than as an opaque pointer.
type Registry struct {
	mu       sync.RWMutex
	bindings map[reflect.Type]*Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: map[reflect.Type]*Binding{}}
}

// DefaultRegistry is used by bindings created without WithRegistry.
var DefaultRegistry = NewRegistry()

// Register records b as the binding of goType and returns the binding in
// effect. The first binding of a type wins.
func (r *Registry) Register(goType reflect.Type, b *Binding) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.bindings[goType]; ok {
		return prev
	}
	r.bindings[goType] = b
	return b
}

// Lookup returns the binding of goType, or nil.
func (r *Registry) Lookup(goType reflect.Type) *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[goType]
}
