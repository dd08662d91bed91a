// Package config provides the layered configuration service for Stagehand:
// TOML parsing with template bootstrap, schema-version migration, deep
// merging of schema defaults with main-config overrides, and dotted-path
// section lookup.
//
// The top-level sections the core reads are general, logging, server,
// providers.{input|decision|output}, pipelines, extensions, llm, memory and
// prompts. Every [providers.<layer>.<name>] sub-table is opaque to the core
// and handed verbatim, after merging with that provider's schema defaults,
// to the provider itself.
package config

import (
	"errors"
	"fmt"
	"log/slog"
)

// LogLevel controls log verbosity for the Stagehand process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Layer identifies one of the three provider domains.
type Layer string

const (
	LayerInput    Layer = "input"
	LayerDecision Layer = "decision"
	LayerOutput   Layer = "output"
)

// IsValid reports whether l is a recognised layer.
func (l Layer) IsValid() bool {
	return l == LayerInput || l == LayerDecision || l == LayerOutput
}

// metaKeys are the per-layer bookkeeping keys inside providers.<layer> that
// are not provider sub-tables.
var metaKeys = map[string]bool{
	"enabled":              true,
	"enabled_inputs":       true,
	"enabled_outputs":      true,
	"active_provider":      true,
	"available_providers":  true,
	"concurrent_rendering": true,
}

// General holds the [general] section.
type General struct {
	AgentName string `toml:"agent_name"`
}

// Logging holds the [logging] section.
type Logging struct {
	Level LogLevel `toml:"level"`
}

// Server holds the [server] section (metrics/health listener).
type Server struct {
	ListenAddr string `toml:"listen_addr"`
}

// Validate checks the typed top-level sections of the parsed tree and returns
// a joined error listing every failure found. Opaque provider sub-tables are
// validated later by their providers.
func Validate(tree map[string]any) error {
	var errs []error

	if lvl, ok := stringAt(tree, "logging", "level"); ok {
		if !LogLevel(lvl).IsValid() {
			errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", lvl))
		}
	}

	if active, ok := stringAt(tree, "providers", "decision", "active_provider"); ok && active != "" {
		available := stringsAt(tree, "providers", "decision", "available_providers")
		if len(available) > 0 && !contains(available, active) {
			slog.Warn("active decision provider not in available_providers",
				"active", active, "available", available)
		}
	}

	if inputs := stringsAt(tree, "providers", "input", "enabled_inputs"); len(inputs) == 0 {
		slog.Warn("providers.input.enabled_inputs is empty; no messages will be produced")
	}
	if outputs := stringsAt(tree, "providers", "output", "enabled_outputs"); len(outputs) == 0 {
		slog.Warn("providers.output.enabled_outputs is empty; intents will not be rendered")
	}

	return errors.Join(errs...)
}

// ── tree helpers ──────────────────────────────────────────────────────────────

// subtree walks nested map keys and returns the map at the end of the path.
func subtree(tree map[string]any, path ...string) (map[string]any, bool) {
	cur := tree
	for _, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func stringAt(tree map[string]any, path ...string) (string, bool) {
	parent, ok := subtree(tree, path[:len(path)-1]...)
	if !ok {
		return "", false
	}
	s, ok := parent[path[len(path)-1]].(string)
	return s, ok
}

func stringsAt(tree map[string]any, path ...string) []string {
	parent, ok := subtree(tree, path[:len(path)-1]...)
	if !ok {
		return nil
	}
	raw, ok := parent[path[len(path)-1]].([]any)
	if !ok {
		// go-toml decodes homogeneous string arrays as []any; a []string here
		// means the tree was built programmatically.
		if ss, ok := parent[path[len(path)-1]].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolAt(tree map[string]any, def bool, path ...string) bool {
	parent, ok := subtree(tree, path[:len(path)-1]...)
	if !ok {
		return def
	}
	if b, ok := parent[path[len(path)-1]].(bool); ok {
		return b
	}
	return def
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
