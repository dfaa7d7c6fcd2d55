package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// secretFields are the field names whose values are credentials, in any
// section: llm/anthropic/brave api_key, telegram token, slack bot_token and
// the storage dsn, which carries the database password.
var secretFields = map[string]bool{
	"api_key":   true,
	"token":     true,
	"bot_token": true,
	"dsn":       true,
}

// IsSecretKey reports whether a dot-separated key names a credential.
// Agent ids are free-form, so keys under "agents" never match.
func IsSecretKey(key string) bool {
	section, field, ok := strings.Cut(key, ".")
	if !ok || section == "agents" || strings.Contains(field, ".") {
		return false
	}
	return secretFields[field]
}

// Flatten maps every leaf of a nested map to its dot-separated path.
// Empty sections are kept as leaves so they survive an Unflatten.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if section, ok := v.(map[string]any); ok && len(section) > 0 {
				walk(prefix+k+".", section)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", m)
	return out
}

// Keys returns the keys of a flat map in sorted order.
func Keys(flat map[string]any) []string {
	return slices.Sorted(maps.Keys(flat))
}

// Unflatten rebuilds the nested map from dot-separated keys. A key that is
// both a value and a section, like "llm" next to "llm.model", is an error.
func Unflatten(flat map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	// Sorted keys put "llm" before "llm.model", so a conflict is always
	// found while descending.
	for _, key := range Keys(flat) {
		path := strings.Split(key, ".")
		node := out
		for i, name := range path[:len(path)-1] {
			next, ok := node[name]
			if !ok {
				section := make(map[string]any)
				node[name] = section
				node = section
				continue
			}
			section, ok := next.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("key %s: %s is a value, not a section", key, strings.Join(path[:i+1], "."))
			}
			node = section
		}
		node[path[len(path)-1]] = flat[key]
	}
	return out, nil
}

// MaskSecrets copies flat with each non-empty credential replaced by "***"
// and its last four characters. Credentials of eight characters or fewer
// are hidden entirely.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return "***"
	}
	return "***" + string(r[len(r)-4:])
}
