package agents

import (
	"fmt"
	"strings"
)

// The runtime has shipped several wire shapes for message roles and content.
// All ambiguity-tolerant parsing lives here, in one adapter, so the rest of
// the gate works with plain strings.

// NormalizeRole flattens a role value to a lower-cased string. Handles plain
// strings, enum-like wrapped objects ({"value": "agent"}) and dotted names
// ("MessageRole.AGENT").
func NormalizeRole(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case map[string]any:
		if inner, ok := t["value"]; ok {
			return NormalizeRole(inner)
		}
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(t)))
	}
}

// IsModelReplyRole reports whether a normalized role names a model/agent
// reply rather than a user message.
func IsModelReplyRole(role string) bool {
	rs := strings.ToLower(role)
	return strings.Contains(rs, "assistant") ||
		strings.HasSuffix(rs, "agent") ||
		strings.Contains(rs, "messagerole.agent")
}

// ExtractReplyText pulls the reply text out of a message content value.
// Supported shapes:
//   - a raw string
//   - a list of parts: strings, {"type":"text","text":"..."},
//     {"text":{"value":"..."}}, {"value":"..."}
//   - a single map: {"text":"..."} or {"text":{"value":"..."}}
func ExtractReplyText(content any) string {
	switch t := content.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		var parts []string
		for _, c := range t {
			if p := partText(c); p != "" {
				parts = append(parts, p)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		return strings.TrimSpace(partText(t))
	default:
		return ""
	}
}

func partText(c any) string {
	switch t := c.(type) {
	case string:
		return t
	case map[string]any:
		switch inner := t["text"].(type) {
		case string:
			return inner
		case map[string]any:
			if v, ok := inner["value"].(string); ok {
				return v
			}
			if v, ok := inner["text"].(string); ok {
				return v
			}
			return ""
		}
		if v, ok := t["value"]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	default:
		return ""
	}
}
