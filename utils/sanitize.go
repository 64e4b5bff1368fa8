package utils

import "encoding/json"

const sanitizeMaxDepth = 3

// SanitizePayload produces a depth-bounded copy of a request payload for
// error logs: nested structures below the depth limit collapse to "…" so a
// malformed 500-line sale body cannot flood the log sink. The value is JSON
// round-tripped, so unexported fields and cycles are dropped for free.
func SanitizePayload(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "<unserializable>"
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "<unserializable>"
	}
	return pruneDepth(decoded, sanitizeMaxDepth)
}

func pruneDepth(v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		if depth <= 0 {
			return "…"
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = pruneDepth(val, depth-1)
		}
		return out
	case []any:
		if depth <= 0 {
			return "…"
		}
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, pruneDepth(val, depth-1))
		}
		return out
	default:
		return v
	}
}
