package event

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the central catalogue of event-name → payload-type bindings.
// Subscribing on the bus implicitly registers the event name here; Emit
// consults the registry to reject payloads published under a name that was
// bound to a different payload type.
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]string // event name → payload type name
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]string)}
}

// Bind records that name carries payloads of the given type. The first
// binding wins; a later conflicting binding returns an error.
func (r *Registry) Bind(name, payloadType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok && existing != payloadType {
		return fmt.Errorf("event: %q already bound to payload %s (got %s)", name, existing, payloadType)
	}
	r.types[name] = payloadType
	return nil
}

// Check reports whether a payload of payloadType may be published under name.
// Unbound names are allowed; the first emit or subscribe binds them.
func (r *Registry) Check(name, payloadType string) error {
	r.mu.RLock()
	existing, ok := r.types[name]
	r.mu.RUnlock()
	if ok && existing != payloadType {
		return fmt.Errorf("event: %q expects payload %s, got %s", name, existing, payloadType)
	}
	return nil
}

// Names returns the sorted list of registered event names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clear drops all bindings. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]string)
}
