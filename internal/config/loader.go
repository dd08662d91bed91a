package config

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config-template.toml
var templateTOML []byte

// Parse decodes a TOML config from r into a generic tree and validates the
// typed top-level sections. Useful in tests where configs are built from
// string literals.
func Parse(r io.Reader) (map[string]any, error) {
	tree := map[string]any{}
	dec := toml.NewDecoder(r)
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// templateTree returns the parsed embedded template. The template ships with
// the binary and is assumed well-formed; a parse failure is a build defect.
func templateTree() (map[string]any, error) {
	tree := map[string]any{}
	if err := toml.Unmarshal(templateTOML, &tree); err != nil {
		return nil, fmt.Errorf("config: embedded template is malformed: %w", err)
	}
	return tree, nil
}

// bootstrap copies the embedded template to path when no config file exists
// yet. Reports whether a fresh copy was written.
func bootstrap(path string) (copied bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("config: stat %q: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("config: create dir for %q: %w", path, err)
		}
	}
	if err := writeAtomic(path, templateTOML); err != nil {
		return false, err
	}
	slog.Info("config: template copied", "path", path)
	return true, nil
}

// migrate merges keys the template gained since the installed config's
// schema_version into the on-disk tree, preserving every existing value, and
// rewrites the file atomically. The rewrite re-marshals the tree, which drops
// user-authored comments from the active file; the previous file is kept as
// <path>.bak so they are recoverable.
func migrate(path string, current map[string]any) (map[string]any, error) {
	template, err := templateTree()
	if err != nil {
		return nil, err
	}

	installed := versionOf(current)
	shipped := versionOf(template)
	if installed >= shipped {
		return current, nil
	}

	slog.Info("config: migrating schema", "path", path, "from", installed, "to", shipped)

	merged := mergeMissing(current, template)
	merged["schema_version"] = shipped

	data, err := toml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: marshal migrated config: %w", err)
	}

	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", prev, 0o644); err != nil {
			return nil, fmt.Errorf("config: write backup: %w", err)
		}
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return merged, nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: rename %q: %w", path, err)
	}
	return nil
}

func versionOf(tree map[string]any) int64 {
	switch v := tree["schema_version"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
