// Package prompt loads Markdown prompt templates from a directory and renders
// them with {name} variable substitution. Templates may carry YAML front
// matter (between --- fences) for metadata; the front matter is stripped
// before rendering. No domain prompt text lives in the core: templates are
// pure data files.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned for templates the directory does not contain.
var ErrNotFound = errors.New("prompt: template not found")

// ErrMissingVars is returned by Render when placeholders stay unbound.
var ErrMissingVars = errors.New("prompt: unbound variables")

// placeholderRe matches {name} placeholders. Double braces escape a literal
// brace: {{text}} renders as {text}.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Meta is a template's parsed YAML front matter.
type Meta struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Variables   []string `yaml:"variables"`
}

type template struct {
	meta Meta
	body string
}

// Manager loads and renders the template set. Safe for concurrent use;
// [Manager.Reload] swaps the set atomically.
type Manager struct {
	dir string

	mu        sync.RWMutex
	templates map[string]*template
}

// NewManager loads every *.md file under dir. A missing directory yields an
// empty, still-usable manager so that a core without prompt templates runs.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{dir: dir, templates: make(map[string]*template)}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the template directory.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.templates = make(map[string]*template)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("prompt: read dir %q: %w", m.dir, err)
	}

	loaded := make(map[string]*template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("prompt: read %q: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		t, err := parseTemplate(string(raw))
		if err != nil {
			return fmt.Errorf("prompt: parse %q: %w", entry.Name(), err)
		}
		loaded[name] = t
	}

	m.mu.Lock()
	m.templates = loaded
	m.mu.Unlock()
	return nil
}

// Names returns the sorted loaded template names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.templates))
	for name := range m.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Meta returns the front matter of the named template.
func (m *Manager) Meta(name string) (Meta, error) {
	t, err := m.lookup(name)
	if err != nil {
		return Meta{}, err
	}
	return t.meta, nil
}

// Render substitutes vars into the named template. Placeholders without a
// binding make it fail with [ErrMissingVars] listing them.
func (m *Manager) Render(name string, vars map[string]any) (string, error) {
	t, err := m.lookup(name)
	if err != nil {
		return "", err
	}
	return substitute(t.body, vars, true)
}

// RenderSafe is Render but leaves unbound placeholders in place. An unknown
// template renders as "".
func (m *Manager) RenderSafe(name string, vars map[string]any) string {
	t, err := m.lookup(name)
	if err != nil {
		return ""
	}
	out, _ := substitute(t.body, vars, false)
	return out
}

// ExtractSection renders only the "## <section>" block of the named template:
// from its heading line to the next "## " heading or end of file.
func (m *Manager) ExtractSection(name, section string, vars map[string]any) (string, error) {
	t, err := m.lookup(name)
	if err != nil {
		return "", err
	}

	lines := strings.Split(t.body, "\n")
	var collected []string
	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			if inSection {
				break
			}
			inSection = strings.EqualFold(strings.TrimSpace(trimmed[3:]), section)
			continue
		}
		if inSection {
			collected = append(collected, line)
		}
	}
	if !inSection && len(collected) == 0 {
		return "", fmt.Errorf("prompt: template %q has no section %q", name, section)
	}
	return substitute(strings.TrimSpace(strings.Join(collected, "\n")), vars, true)
}

func (m *Manager) lookup(name string) (*template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// parseTemplate splits optional YAML front matter from the body.
func parseTemplate(raw string) (*template, error) {
	body := raw
	var meta Meta
	if strings.HasPrefix(raw, "---\n") {
		rest := raw[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end >= 0 {
			if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
				return nil, fmt.Errorf("front matter: %w", err)
			}
			body = rest[end+len("\n---"):]
			body = strings.TrimPrefix(body, "\n")
		}
	}
	return &template{meta: meta, body: strings.TrimSpace(body)}, nil
}

// substitute replaces {name} placeholders. Values render with fmt %v.
// {{ and }} escape literal braces.
func substitute(body string, vars map[string]any, strict bool) (string, error) {
	const lbrace, rbrace = "\x00LB\x00", "\x00RB\x00"
	escaped := strings.ReplaceAll(strings.ReplaceAll(body, "{{", lbrace), "}}", rbrace)

	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(escaped, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := vars[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		missing = append(missing, key)
		return match
	})
	out = strings.ReplaceAll(strings.ReplaceAll(out, lbrace, "{"), rbrace, "}")

	if strict && len(missing) > 0 {
		return "", fmt.Errorf("%w: %v", ErrMissingVars, missing)
	}
	return out, nil
}
