package datasource

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigMap reads typed settings from the generic adapter config map.
// Numbers may arrive as any Go integer or as float64 from JSON.
type ConfigMap map[string]any

// String returns the first non-empty string stored under one of keys.
func (m ConfigMap) String(keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Require is String that fails when every key is unset.
func (m ConfigMap) Require(keys ...string) (string, error) {
	if s, ok := m.String(keys...); ok {
		return s, nil
	}
	return "", fmt.Errorf("%s is required", keys[0])
}

// Int returns an integer setting.
func (m ConfigMap) Int(key string) (int, bool) {
	switch n := m[key].(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean setting. Strings parse with strconv.ParseBool;
// "strict" counts as true for TLS options.
func (m ConfigMap) Bool(key string) (bool, bool) {
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		if strings.EqualFold(v, "strict") {
			return true, true
		}
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}
