package pipeline

import "time"

// Options is the config sub-table for one stage, as decoded from TOML.
// Numeric values arrive as int64 or float64 depending on how they were
// written in the file; the accessors below normalize that.
type Options map[string]any

func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

func (o Options) Seconds(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case int64:
		return time.Duration(v) * time.Second
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// policy reads the stage's error_handling key, defaulting to continue.
func (o Options) policy() ErrorPolicy {
	p := ErrorPolicy(o.String("error_handling", string(PolicyContinue)))
	if !p.IsValid() {
		return PolicyContinue
	}
	return p
}
