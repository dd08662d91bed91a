// Package extension loads composite plugins that bundle several providers,
// ordering their setup by declared dependencies.
//
// Go has no dynamic import, so extensions are compiled in and announced with
// [Manager.Register]; config gates which of them actually load
// ([extensions.<name>] with enabled=true).
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/provider"
	decisionprov "github.com/vtuberkit/stagehand/pkg/provider/decision"
	inputprov "github.com/vtuberkit/stagehand/pkg/provider/input"
	outputprov "github.com/vtuberkit/stagehand/pkg/provider/output"
)

// ErrCycle is returned when the declared dependency graph contains a cycle.
// Nothing is loaded in that case.
var ErrCycle = errors.New("extension: dependency cycle")

// ErrHasDependents is returned by Unload while other loaded extensions still
// depend on the target.
var ErrHasDependents = errors.New("extension: has loaded dependents")

// ErrUnknown is returned for names never registered or not loaded.
var ErrUnknown = errors.New("extension: unknown")

// Info is an extension's self-description.
type Info struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Dependencies []string // names of extensions that must set up first
}

// Providers is what one extension contributes. Keys are registry names.
type Providers struct {
	Inputs    map[string]registry.Factory[inputprov.Provider]
	Decisions map[string]registry.Factory[decisionprov.Provider]
	Outputs   map[string]registry.Factory[outputprov.Provider]
}

// Extension is one composite plugin.
type Extension interface {
	// Info returns static metadata; called before Setup.
	Info() Info

	// Setup initialises the extension with its [extensions.<name>] config and
	// returns the provider factories it contributes.
	Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) (Providers, error)

	// Cleanup releases everything Setup acquired.
	Cleanup() error
}

// Factory constructs a fresh extension instance.
type Factory func() Extension

type loaded struct {
	ext       Extension
	info      Info
	providers Providers
}

// Manager owns the registered and loaded extension sets.
type Manager struct {
	cfg  *config.Service
	reg  *registry.Registry
	pctx provider.Context
	log  *slog.Logger

	mu         sync.Mutex
	registered map[string]Factory
	active     map[string]*loaded
	order      []string // load order, for dependent checks and teardown
}

// NewManager wires a manager.
func NewManager(cfg *config.Service, reg *registry.Registry, pctx provider.Context) *Manager {
	return &Manager{
		cfg:        cfg,
		reg:        reg,
		pctx:       pctx,
		log:        slog.Default().With("component", "extension_manager"),
		registered: make(map[string]Factory),
		active:     make(map[string]*loaded),
	}
}

// Register announces a compiled-in extension under the name its Info reports.
func (m *Manager) Register(f Factory) {
	info := f().Info()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[info.Name]; ok {
		m.log.Warn("overwriting extension registration", "extension", info.Name)
	}
	m.registered[info.Name] = f
}

// LoadAll loads every registered extension that config enables, in
// topological dependency order. A cycle aborts the whole load with [ErrCycle]
// before any Setup runs. A single extension's Setup failure is logged and
// skipped; its dependents are skipped too.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make(map[string]Info)
	for name, f := range m.registered {
		if !m.cfg.ExtensionEnabled(name) {
			continue
		}
		candidates[name] = f().Info()
	}
	if len(candidates) == 0 {
		return nil
	}

	if err := detectCycle(candidates); err != nil {
		return err
	}
	order, err := topoSort(candidates)
	if err != nil {
		return err
	}

	failed := make(map[string]bool)
	for _, name := range order {
		info := candidates[name]
		skip := false
		for _, dep := range info.Dependencies {
			if failed[dep] {
				m.log.Warn("skipping extension: dependency failed", "extension", name, "dependency", dep)
				failed[name] = true
				skip = true
				break
			}
			if _, ok := m.active[dep]; !ok {
				if _, isCandidate := candidates[dep]; !isCandidate {
					m.log.Warn("skipping extension: dependency not enabled", "extension", name, "dependency", dep)
					failed[name] = true
					skip = true
					break
				}
			}
		}
		if skip {
			continue
		}
		if err := m.loadOneLocked(ctx, name); err != nil {
			m.log.Error("extension setup failed", "extension", name, "error", err)
			failed[name] = true
		}
	}
	return nil
}

// Load loads a single enabled extension by name. Its dependencies must
// already be loaded.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.registered[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	if _, ok := m.active[name]; ok {
		return nil
	}
	info := f().Info()
	for _, dep := range info.Dependencies {
		if _, ok := m.active[dep]; !ok {
			return fmt.Errorf("extension %q: dependency %q not loaded", name, dep)
		}
	}
	return m.loadOneLocked(ctx, name)
}

// loadOneLocked instantiates, sets up and registers one extension's
// providers. Callers hold m.mu.
func (m *Manager) loadOneLocked(ctx context.Context, name string) error {
	ext := m.registered[name]()
	info := ext.Info()

	provs, err := ext.Setup(ctx, m.pctx, m.cfg.ExtensionConfig(name))
	if err != nil {
		return err
	}

	source := "ext:" + name
	for pname, factory := range provs.Inputs {
		m.reg.Input.Register(pname, factory, nil, source)
	}
	for pname, factory := range provs.Decisions {
		m.reg.Decision.Register(pname, factory, nil, source)
	}
	for pname, factory := range provs.Outputs {
		m.reg.Output.Register(pname, factory, nil, source)
	}

	m.active[name] = &loaded{ext: ext, info: info, providers: provs}
	m.order = append(m.order, name)
	m.log.Info("extension loaded", "extension", name, "version", info.Version,
		"providers", len(provs.Inputs)+len(provs.Decisions)+len(provs.Outputs))
	return nil
}

// Unload tears one extension down and unregisters its providers. It refuses
// with [ErrHasDependents] while another loaded extension depends on it.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(name)
}

func (m *Manager) unloadLocked(name string) error {
	l, ok := m.active[name]
	if !ok {
		return fmt.Errorf("%w: %q not loaded", ErrUnknown, name)
	}
	for other, ol := range m.active {
		if other == name {
			continue
		}
		for _, dep := range ol.info.Dependencies {
			if dep == name {
				return fmt.Errorf("%w: %q is required by %q", ErrHasDependents, name, other)
			}
		}
	}

	for pname := range l.providers.Inputs {
		m.reg.Input.Unregister(pname)
	}
	for pname := range l.providers.Decisions {
		m.reg.Decision.Unregister(pname)
	}
	for pname := range l.providers.Outputs {
		m.reg.Output.Unregister(pname)
	}

	if err := l.ext.Cleanup(); err != nil {
		m.log.Warn("extension cleanup failed", "extension", name, "error", err)
	}
	delete(m.active, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.log.Info("extension unloaded", "extension", name)
	return nil
}

// Reload unloads then loads name against current config.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unloadLocked(name); err != nil {
		return err
	}
	return m.loadOneLocked(ctx, name)
}

// UnloadAll tears everything down in reverse load order.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := m.Unload(order[i]); err != nil {
			m.log.Warn("unload failed", "extension", order[i], "error", err)
		}
	}
}

// Loaded returns the sorted names of loaded extensions.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for name := range m.active {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InfoFor returns the Info of a loaded extension.
func (m *Manager) InfoFor(name string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.active[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q not loaded", ErrUnknown, name)
	}
	return l.info, nil
}
