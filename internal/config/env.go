package config

import (
	"os"
	"strings"
)

// expandEnv replaces ${VAR} and ${VAR:-default} in every string of a decoded
// config tree. Numbers and keys are left alone.
func expandEnv(v any) any {
	switch x := v.(type) {
	case string:
		return os.Expand(x, lookupEnv)
	case map[string]any:
		for k, val := range x {
			x[k] = expandEnv(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expandEnv(x[i])
		}
		return x
	default:
		return v
	}
}

func lookupEnv(key string) string {
	name, def, hasDef := strings.Cut(key, ":-")
	if val, ok := os.LookupEnv(name); ok && (val != "" || !hasDef) {
		return val
	}
	return def
}
