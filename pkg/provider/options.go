package provider

import (
	"fmt"
	"time"
)

// Options wraps a provider's merged config table with typed accessors.
// TOML decoding yields int64 for integers and float64 for floats; the
// accessors normalize across both.
type Options map[string]any

// String returns the string at key, or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the bool at key, or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer at key, or def.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float returns the float at key, or def.
func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Seconds reads a numeric key as a duration in seconds.
func (o Options) Seconds(key string, def time.Duration) time.Duration {
	if _, ok := o[key]; !ok {
		return def
	}
	return time.Duration(o.Float(key, def.Seconds()) * float64(time.Second))
}

// Strings returns the string list at key. TOML arrays decode as []any.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Tables returns the list of sub-tables at key ([[array-of-tables]] syntax).
func (o Options) Tables(key string) []Options {
	raw, ok := o[key].([]any)
	if !ok {
		// go-toml decodes [[x]] into []map[string]any under any.
		if typed, ok := o[key].([]map[string]any); ok {
			out := make([]Options, len(typed))
			for i, t := range typed {
				out[i] = Options(t)
			}
			return out
		}
		return nil
	}
	out := make([]Options, 0, len(raw))
	for _, item := range raw {
		if t, ok := item.(map[string]any); ok {
			out = append(out, Options(t))
		}
	}
	return out
}

// Require returns the string at key or an error naming the provider.
func (o Options) Require(provider, key string) (string, error) {
	v, ok := o[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: config key %q is required", provider, key)
	}
	return v, nil
}
