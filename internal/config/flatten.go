package config

import (
	"strings"
)

// secretKeys lists the dotted keys whose values are masked in listings.
var secretKeys = map[string]bool{
	"nostr.private_key": true,
	"nostr.nwc":         true,
	"llm.api_key":       true,
	"brave.api_key":     true,
	"telegram.token":    true,
	"redis.password":    true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts a nested map into dotted keys, so
// {"nostr": {"nwc": "..."}} becomes {"nostr.nwc": "..."}. Slices are kept
// as leaf values and empty sections disappear.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto("", m, out)
	return out
}

func flattenInto(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(k, child, out)
			continue
		}
		out[k] = v
	}
}

// Unflatten is the inverse of Flatten. A scalar sitting where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		node := out
		for {
			head, rest, nested := strings.Cut(key, ".")
			if !nested {
				node[head] = v
				break
			}
			child, ok := node[head].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[head] = child
			}
			node, key = child, rest
		}
	}
	return out
}

// MaskSecrets returns a copy of flat with non-empty secret values shown as
// "***" plus their last 4 characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && secretKeys[k] {
			out[k] = "***" + s[max(0, len(s)-4):]
		}
	}
	return out
}
