// Package normalize extracts text, deltas, usage counters and model names from
// the loosely-shaped values returned by the inference backend. Result and
// update shapes vary across backend versions and between one-shot and
// streaming modes, so every function here is total: unknown shapes degrade to
// an empty or nil result, never an error.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/sessions"
)

// Dumper is the structured-dump capability an opaque result object may expose.
type Dumper interface {
	Dump() map[string]any
}

// deltaKeys are probed in order when looking for incremental text.
var deltaKeys = []string{"delta", "text", "output_text", "content"}

// modelKeys are probed in order when looking for a model identifier.
var modelKeys = []string{"model", "model_name", "deployment", "deployment_name"}

const maxDeltaDepth = 6

// Text pulls the assistant output out of a one-shot result. It probes the
// usual field names and falls back to a generic rendering of the whole value,
// so the return is always non-nil (possibly empty for a nil result).
func Text(result any) string {
	if result == nil {
		return ""
	}

	m := asMap(result)
	for _, key := range []string{"output_text", "text", "content", "message", "output"} {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}

	if s, ok := result.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", result)
}

// Delta pulls the incremental text fragment out of a streaming update. It
// probes the preferred keys directly, then searches nested maps and sequences
// up to a fixed depth. A malformed update yields "" so a bad tick degrades to
// "no text" instead of aborting the stream.
func Delta(update any) string {
	if update == nil {
		return ""
	}
	return findDelta(coerce(update), 0)
}

func findDelta(node any, depth int) string {
	if depth > maxDeltaDepth || node == nil {
		return ""
	}

	switch v := node.(type) {
	case map[string]any:
		for _, key := range deltaKeys {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		for _, nested := range v {
			if found := findDelta(coerce(nested), depth+1); found != "" {
				return found
			}
		}
	case []any:
		for _, item := range v {
			if found := findDelta(coerce(item), depth+1); found != "" {
				return found
			}
		}
	}
	return ""
}

// Usage reads token counters from a result or update, looking at a `usage`
// field on the value itself or on a nested `response`. Missing or non-numeric
// counters are omitted; nil is returned when none of the three parse, which
// means "no usage reported" rather than zero usage.
func Usage(value any) *sessions.Usage {
	if value == nil {
		return nil
	}

	m := asMap(value)
	raw := m["usage"]
	if raw == nil {
		if inner := asMap(m["response"]); inner != nil {
			raw = inner["usage"]
		}
	}

	um := asMap(raw)
	if um == nil {
		return nil
	}

	var u sessions.Usage
	found := false
	if n, ok := asInt(um["input_tokens"]); ok {
		u.InputTokens = &n
		found = true
	}
	if n, ok := asInt(um["output_tokens"]); ok {
		u.OutputTokens = &n
		found = true
	}
	if n, ok := asInt(um["total_tokens"]); ok {
		u.TotalTokens = &n
		found = true
	}
	if !found {
		return nil
	}
	return &u
}

// ModelName reads the model identifier from a result or update, recursing once
// into a nested `response` field. Returns "" when no identifier is present.
func ModelName(value any) string {
	return modelName(value, false)
}

func modelName(value any, nested bool) string {
	if value == nil {
		return ""
	}

	m := asMap(value)
	for _, key := range modelKeys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}

	if !nested {
		if inner, ok := m["response"]; ok {
			return modelName(inner, true)
		}
	}
	return ""
}

// coerce prepares a value for key probing: maps and sequences pass through,
// scalars pass through, opaque objects become their dump or their exported
// field set (via a JSON round-trip).
func coerce(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, json.Number:
		return v
	case map[string]any, []any:
		return v
	}
	if m := asMap(value); m != nil {
		return m
	}
	return value
}

// asMap returns a map view of a value, or nil when it has none. Opaque objects
// are dumped through the Dumper capability when present, else marshaled and
// re-read so only their exported fields are visible.
func asMap(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case Dumper:
		return v.Dump()
	case string, bool, int, int32, int64, float32, float64, json.Number, []any:
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
