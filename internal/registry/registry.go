// Package registry maps provider names to factory functions for each of the
// three layers (input, decision, output) and holds per-provider config schema
// defaults.
//
// The registry is populated once during assembly by explicit registration
// calls (see internal/app). After that it is treated as immutable; tests that
// register their own providers use a fresh registry or call Clear.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/provider/decision"
	"github.com/vtuberkit/stagehand/pkg/provider/input"
	"github.com/vtuberkit/stagehand/pkg/provider/output"
)

// ErrNotRegistered is returned by Create when no factory exists for a name.
var ErrNotRegistered = errors.New("registry: provider not registered")

// Factory constructs a provider from its merged config table and the
// immutable dependency bundle.
type Factory[T any] func(cfg map[string]any, pctx provider.Context) (T, error)

// Defaults produces the provider's config schema defaults, deep-merged under
// the on-file config before construction. Nil means no defaults.
type Defaults func() map[string]any

type entry[T any] struct {
	factory  Factory[T]
	defaults Defaults
	source   string
}

// Layer is one name→factory map. Safe for concurrent use.
type Layer[T any] struct {
	kind string

	mu      sync.RWMutex
	entries map[string]entry[T]
}

func newLayer[T any](kind string) *Layer[T] {
	return &Layer[T]{kind: kind, entries: make(map[string]entry[T])}
}

// Register adds a factory under name. Re-registration logs a warning and
// overwrites; source identifies who registered (built-in, extension name).
func (l *Layer[T]) Register(name string, factory Factory[T], defaults Defaults, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.entries[name]; ok {
		slog.Warn("registry: overwriting provider registration",
			"layer", l.kind, "name", name, "previous_source", prev.source, "source", source)
	}
	l.entries[name] = entry[T]{factory: factory, defaults: defaults, source: source}
}

// Unregister removes name. Unknown names are a no-op.
func (l *Layer[T]) Unregister(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, name)
}

// Create instantiates the provider registered under name with the given
// config and context. Unknown names return [ErrNotRegistered] listing what is
// available.
func (l *Layer[T]) Create(name string, cfg map[string]any, pctx provider.Context) (T, error) {
	l.mu.RLock()
	e, ok := l.entries[name]
	l.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q (available: %v)", ErrNotRegistered, l.kind, name, l.Names())
	}
	return e.factory(cfg, pctx)
}

// Defaults returns the schema defaults for name, or an empty map.
func (l *Layer[T]) Defaults(name string) map[string]any {
	l.mu.RLock()
	e, ok := l.entries[name]
	l.mu.RUnlock()
	if !ok || e.defaults == nil {
		return map[string]any{}
	}
	return e.defaults()
}

// Names returns the sorted registered provider names.
func (l *Layer[T]) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries))
	for name := range l.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry bundles the three layer registries.
type Registry struct {
	Input    *Layer[input.Provider]
	Decision *Layer[decision.Provider]
	Output   *Layer[output.Provider]
}

// New returns an empty, ready-to-use [Registry].
func New() *Registry {
	return &Registry{
		Input:    newLayer[input.Provider]("input"),
		Decision: newLayer[decision.Provider]("decision"),
		Output:   newLayer[output.Provider]("output"),
	}
}

// Clear drops all registrations in every layer. Intended for tests.
func (r *Registry) Clear() {
	for _, name := range r.Input.Names() {
		r.Input.Unregister(name)
	}
	for _, name := range r.Decision.Names() {
		r.Decision.Unregister(name)
	}
	for _, name := range r.Output.Names() {
		r.Output.Unregister(name)
	}
}

// Info returns a debug dump of {layer → registered names}.
func (r *Registry) Info() map[string][]string {
	return map[string][]string{
		"input":    r.Input.Names(),
		"decision": r.Decision.Names(),
		"output":   r.Output.Names(),
	}
}
