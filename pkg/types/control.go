package types

import (
	"strings"
)

// ConditionalConfig is the config of a "conditional" node.
type ConditionalConfig struct {
	// Expression must evaluate to a boolean (e.g. "H.status == 200").
	Expression string `json:"expression"`
}

// NodeName returns the human-readable name of a node: config "name", then
// "label", then the node type.
func NodeName(n Node) string {
	for _, key := range []string{"name", "label"} {
		if v, ok := n.Config[key].(string); ok && v != "" {
			return v
		}
	}
	return n.Type
}

// RedactedValue replaces secret-bearing config values in step logs.
const RedactedValue = "[REDACTED]"

var secretKeys = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"private_key",
	"connection_string",
}

// IsSecretKey reports whether a config key carries a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of cfg with secret values replaced.
func Redact(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if IsSecretKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
