package hub

import (
	"encoding/json"
	"strings"
)

// MatchOrigin reports whether origin satisfies pattern. Patterns may be
// "*", an exact origin, "scheme://*.domain" or "scheme://host:*".
func MatchOrigin(origin string, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "*") {
		return matchOriginWildcard(origin, pattern)
	}

	return origin == pattern
}

func matchOriginWildcard(origin, pattern string) bool {
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		originNoPort := origin
		if idx := strings.LastIndex(origin, ":"); idx > strings.Index(origin, "//") {
			originNoPort = origin[:idx]
		}
		return originNoPort == prefix
	}

	for _, scheme := range []string{"https://", "http://"} {
		if !strings.HasPrefix(pattern, scheme+"*.") {
			continue
		}
		suffix := strings.TrimPrefix(pattern, scheme+"*")
		if !strings.HasPrefix(origin, scheme) {
			return false
		}
		host := strings.TrimPrefix(origin, scheme)
		return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
	}

	return false
}

var secretKeys = []string{"token", "password", "secret", "api_key", "apikey", "auth", "credential"}

// IsSecretKey reports whether a payload field should be redacted before it
// reaches the audit log.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range secretKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

func SanitizeArgs(args map[string]interface{}) string {
	if args == nil {
		return "{}"
	}

	data, err := json.Marshal(sanitizeMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

// SanitizeRaw redacts secret fields of a raw JSON object payload. Non-object
// payloads are returned as is.
func SanitizeRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return sanitizeValue(v)
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = "[REDACTED]"
		} else {
			out[k] = sanitizeValue(v)
		}
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return sanitizeMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}
