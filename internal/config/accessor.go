package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree renders cfg as the nested map its JSON form decodes to.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at a dot path such as "listener.push.port".
// Intermediate sections are returned as maps.
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = m
	for _, key := range strings.Split(path, ".") {
		section, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
		if node, ok = section[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return node, nil
}

// SetByPath assigns value to the leaf at path. String values are coerced to
// bool or number when they parse as one. Only known keys can be set, except
// that empty optional fields omitted from the JSON form are accepted when
// their parent section exists.
func SetByPath(cfg *Config, path string, value any) error {
	parts := strings.Split(path, ".")
	if path == "" || len(parts) < 2 {
		return fmt.Errorf("path %q must name a field inside a section", path)
	}
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	section := m
	for _, key := range parts[:len(parts)-1] {
		next, ok := section[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown section %q in %s", key, path)
		}
		section = next
	}
	leaf := parts[len(parts)-1]
	if _, isSection := section[leaf].(map[string]any); isSection {
		return fmt.Errorf("%s is a section, not a value", path)
	}
	parsed := parseValue(value)
	section[leaf] = parsed

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var updated Config
	if err := json.Unmarshal(data, &updated); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	if _, err := GetByPath(&updated, path); err != nil && !isZero(parsed) {
		return fmt.Errorf("unknown key: %s", path)
	}
	*cfg = updated
	return nil
}

func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func isZero(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case bool:
		return !x
	case int64:
		return x == 0
	case float64:
		return x == 0
	}
	return v == nil
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	for _, secret := range []*string{
		&masked.Google.BearerToken,
		&masked.Listener.Push.Token,
	} {
		*secret = maskString(*secret)
	}
	if masked.Dedup.RedisPassword != "" {
		masked.Dedup.RedisPassword = "***"
	}
	return &masked
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// ListPaths flattens cfg into dot paths and leaf values.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if section, ok := v.(map[string]any); ok {
			flatten(k, section, out)
			continue
		}
		out[k] = v
	}
}
