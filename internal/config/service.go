package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Service owns the parsed configuration tree and serves section lookups and
// merged per-provider configs. Create with [NewService], then call
// [Service.Initialize] once during bootstrap (repeat calls are no-ops).
//
// Safe for concurrent use; the tree is read-only after Initialize.
type Service struct {
	path string

	mu          sync.RWMutex
	tree        map[string]any
	initialized bool
}

// InitResult reports what [Service.Initialize] did.
type InitResult struct {
	// NewlyCopied is true when no config file existed and the embedded
	// template was written to the configured path.
	NewlyCopied bool

	// Migrated is true when an older schema_version was upgraded.
	Migrated bool
}

// NewService creates a Service reading from the TOML file at path.
func NewService(path string) *Service {
	return &Service{path: path}
}

// NewServiceFromTree creates a pre-initialized Service over an in-memory
// tree. Intended for tests and embedded use.
func NewServiceFromTree(tree map[string]any) *Service {
	return &Service{tree: cloneTree(tree), initialized: true}
}

// Initialize bootstraps the config file from the embedded template if absent,
// parses it, and runs schema-version migration. Idempotent: a second call
// returns immediately without touching state.
func (s *Service) Initialize() (InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return InitResult{}, nil
	}

	var res InitResult
	copied, err := bootstrap(s.path)
	if err != nil {
		return res, err
	}
	res.NewlyCopied = copied

	f, err := os.Open(s.path)
	if err != nil {
		return res, fmt.Errorf("config: open %q: %w", s.path, err)
	}
	tree, parseErr := Parse(f)
	f.Close()
	if parseErr != nil {
		return res, fmt.Errorf("config: parse %q: %w", s.path, parseErr)
	}

	before := versionOf(tree)
	tree, err = migrate(s.path, tree)
	if err != nil {
		return res, err
	}
	res.Migrated = versionOf(tree) != before

	s.tree = tree
	s.initialized = true
	return res, nil
}

// Tree returns a deep copy of the whole config tree.
func (s *Service) Tree() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTree(s.tree)
}

// GetSection returns a deep copy of the sub-table at the dotted path
// (e.g. "providers.decision"). Missing paths yield an empty map.
func (s *Service) GetSection(dotted string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := subtree(s.tree, strings.Split(dotted, ".")...)
	if !ok {
		return map[string]any{}
	}
	return cloneTree(sub)
}

// Get returns the value of key inside the dotted section, or def when the
// section or key is missing.
func (s *Service) Get(key string, def any, section string) any {
	sec := s.GetSection(section)
	if v, ok := sec[key]; ok {
		return v
	}
	return def
}

// GetPipelineConfig returns the config table for pipelines.<name>.
func (s *Service) GetPipelineConfig(name string) map[string]any {
	return s.GetSection("pipelines." + name)
}

// GetAllProviderConfigs returns {provider name → config table} for one layer,
// excluding the layer's meta keys (enabled lists, active_provider, …).
func (s *Service) GetAllProviderConfigs(layer Layer) map[string]map[string]any {
	section := s.GetSection("providers." + string(layer))
	out := make(map[string]map[string]any)
	for key, v := range section {
		if metaKeys[key] {
			continue
		}
		if table, ok := v.(map[string]any); ok {
			out[key] = table
		}
	}
	return out
}

// GetProviderConfig returns the raw config table for one provider, or an
// empty map when absent.
func (s *Service) GetProviderConfig(layer Layer, name string) map[string]any {
	return s.GetSection("providers." + string(layer) + "." + name)
}

// MergedProviderConfig overlays the provider's on-file config onto the given
// schema defaults using [DeepMerge].
func (s *Service) MergedProviderConfig(layer Layer, name string, defaults map[string]any) (map[string]any, error) {
	return DeepMerge(defaults, s.GetProviderConfig(layer, name))
}

// EnabledProviders returns the layer's enabled/active provider names:
// enabled_inputs for input, enabled_outputs for output, and the single
// active_provider for decision.
func (s *Service) EnabledProviders(layer Layer) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch layer {
	case LayerInput:
		return stringsAt(s.tree, "providers", "input", "enabled_inputs")
	case LayerOutput:
		return stringsAt(s.tree, "providers", "output", "enabled_outputs")
	case LayerDecision:
		if active, ok := stringAt(s.tree, "providers", "decision", "active_provider"); ok && active != "" {
			return []string{active}
		}
	}
	return nil
}

// IsProviderEnabled reports membership of name in the layer's enabled list.
func (s *Service) IsProviderEnabled(name string, layer Layer) bool {
	return contains(s.EnabledProviders(layer), name)
}

// ActiveDecisionProvider returns providers.decision.active_provider, or "".
func (s *Service) ActiveDecisionProvider() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active, _ := stringAt(s.tree, "providers", "decision", "active_provider")
	return active
}

// AvailableDecisionProviders returns providers.decision.available_providers.
func (s *Service) AvailableDecisionProviders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stringsAt(s.tree, "providers", "decision", "available_providers")
}

// ConcurrentRendering reports providers.output.concurrent_rendering
// (default true).
func (s *Service) ConcurrentRendering() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return boolAt(s.tree, true, "providers", "output", "concurrent_rendering")
}

// ExtensionConfig returns extensions.<name>, or an empty map.
func (s *Service) ExtensionConfig(name string) map[string]any {
	return s.GetSection("extensions." + name)
}

// ExtensionEnabled reports extensions.<name>.enabled (default false).
func (s *Service) ExtensionEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return boolAt(s.tree, false, "extensions", name, "enabled")
}
