package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToolCall is an assistant request to execute a tool. Input is always the
// decoded object form; adapters that carry arguments as JSON strings encode
// at the last hop and decode on ingress.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Clone deep-copies the call (the input object is copied via JSON round-trip
// since tool arguments are plain JSON values by construction).
func (t ToolCall) Clone() ToolCall {
	out := ToolCall{ID: t.ID, Name: t.Name}
	if t.Input != nil {
		raw, err := json.Marshal(t.Input)
		if err == nil {
			_ = json.Unmarshal(raw, &out.Input)
		}
	}
	return out
}

// ArgumentsJSON returns the input encoded as a JSON string, for wire formats
// that carry stringified arguments.
func (t ToolCall) ArgumentsJSON() string {
	if t.Input == nil {
		return "{}"
	}
	raw, err := json.Marshal(t.Input)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Signature returns a 16-hex-char fingerprint of (name, input) with the
// input canonicalised (keys sorted at every level). Identical calls produce
// identical signatures regardless of key order on the wire.
func (t ToolCall) Signature() string {
	h := sha256.New()
	h.Write([]byte(t.Name))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalJSON(t.Input)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// CanonicalJSON renders v as JSON with object keys sorted at every nesting
// level. Used for tool-call signatures and cache keys, never for the wire.
func CanonicalJSON(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyRaw, _ := json.Marshal(k)
			sb.Write(keyRaw)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(sb, "%q", fmt.Sprint(val))
			return
		}
		sb.Write(raw)
	}
}
