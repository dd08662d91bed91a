package config

import (
	"fmt"

	"dario.cat/mergo"
)

// DeepMerge returns schema defaults overlaid with override values:
//
//   - scalars: override replaces base
//   - maps: merged recursively
//   - lists: override replaces base wholesale
//   - nil override values: skipped
//
// Neither input is mutated. Merging twice with the same override yields the
// same result as merging once.
func DeepMerge(base, override map[string]any) (map[string]any, error) {
	out := cloneTree(base)
	if err := mergo.Merge(&out, cloneTree(override), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config: deep merge: %w", err)
	}
	return out, nil
}

// mergeMissing copies keys present in template but absent from current into
// current, recursing into shared sub-tables. Existing values are never
// replaced. Used by version migration.
func mergeMissing(current, template map[string]any) map[string]any {
	out := cloneTree(current)
	for key, tv := range template {
		cv, exists := out[key]
		if !exists {
			out[key] = cloneValue(tv)
			continue
		}
		cm, cok := cv.(map[string]any)
		tm, tok := tv.(map[string]any)
		if cok && tok {
			out[key] = mergeMissing(cm, tm)
		}
	}
	return out
}

func cloneTree(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneTree(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
