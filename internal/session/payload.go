package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Checksum is a pure function of the payload: encoding/json sorts map keys,
// so identical payloads hash identically regardless of history.
func Checksum(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		// payload 来自 JSON 解码或同构克隆，理论上不可能到这里
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// getPath walks a dotted path into the payload tree.
func getPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a value at a dotted path, creating intermediate objects.
// Fails only when an intermediate segment is already a non-object value.
func setPath(payload map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	m := payload
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p]
		if !ok {
			child := make(map[string]any)
			m[p] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return ErrBadField
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
	return nil
}

// clonePayload deep-copies the JSON-shaped tree so snapshots handed to other
// goroutines never alias the authoritative state.
func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}
