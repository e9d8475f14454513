package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// FactLookup resolves a (possibly already-interpolated) fact key to its
// current value, backed by FactStore.Get.
type FactLookup func(key string) (any, bool)

// bindings is the per-stimulus set of named views a ReferenceResolver
// resolves paths against: event.<field>, fact.<key>, context.<key>,
// trigger.fact.key / trigger.fact.value / trigger.event.<field> (§4.13).
// event/context/trigger are marshalled once per stimulus and walked with
// gjson; fact is resolved live against the FactStore, since a condition's
// fact key itself may carry interpolation (e.g. "fact.order:${event.id}:status")
// and the engine must always see the current value, not a stimulus-time copy.
type bindings struct {
	event   []byte
	context []byte
	trigger []byte
	fact    FactLookup
}

// newBindings marshals each non-nil map once per stimulus so every path
// lookup within it reuses the same gjson source, rather than re-marshalling
// per path. fact may be nil if the stimulus has no FactStore access (e.g.
// unit tests exercising conditions/actions in isolation).
func newBindings(event, context, trigger map[string]any, fact FactLookup) bindings {
	return bindings{
		event:   marshalOrEmpty(event),
		context: marshalOrEmpty(context),
		trigger: marshalOrEmpty(trigger),
		fact:    fact,
	}
}

func marshalOrEmpty(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

type resolved struct {
	value any
	found bool
}

// Resolve looks up a dotted path of the form "<source>.<rest>" against b.
// source is one of event/fact/context/trigger.
func (b bindings) Resolve(path string) resolved {
	source, rest, ok := splitSource(path)
	if !ok {
		return resolved{}
	}
	switch source {
	case "event":
		return gjsonLookup(b.event, rest)
	case "context":
		return gjsonLookup(b.context, rest)
	case "trigger":
		return gjsonLookup(b.trigger, rest)
	case "fact":
		return b.resolveFact(rest)
	default:
		return resolved{}
	}
}

func (b bindings) resolveFact(key string) resolved {
	if b.fact == nil {
		return resolved{}
	}
	key = b.InterpolateString(key)
	v, ok := b.fact(key)
	return resolved{value: v, found: ok}
}

func splitSource(path string) (source, rest string, ok bool) {
	idx := strings.IndexByte(path, '.')
	if idx < 0 {
		return path, "", true
	}
	return path[:idx], path[idx+1:], true
}

func gjsonLookup(doc []byte, path string) resolved {
	if path == "" {
		r := gjson.ParseBytes(doc)
		if !r.Exists() {
			return resolved{}
		}
		return resolved{value: r.Value(), found: true}
	}
	r := gjson.GetBytes(doc, path)
	if !r.Exists() {
		return resolved{}
	}
	return resolved{value: r.Value(), found: true}
}

var (
	interpPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
	refPattern    = regexp.MustCompile(`^\{\s*"?ref"?\s*:\s*"([^"]+)"\s*\}$`)
)

// InterpolateString substitutes every "${path}" occurrence in s with the
// stringified resolved value; a missing path renders as an empty string.
func (b bindings) InterpolateString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return interpPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[2 : len(match)-1]
		res := b.Resolve(path)
		if !res.found {
			return ""
		}
		return stringifyValue(res.value)
	})
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// ResolveRef returns the raw, type-preserving value of a `{ref: "path"}`
// expression, or (v, false) if raw is not a ref expression at all.
func (b bindings) ResolveRef(raw string) (any, bool) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, false
	}
	res := b.Resolve(m[1])
	return res.value, true
}

// ResolveValue resolves a condition/action "value" field: if it is a ref
// expression or a map with a sole "ref" key, returns the referenced raw
// value; if it is a string containing "${...}", interpolates it; otherwise
// returns the literal value unchanged (recursing into maps/slices).
func (b bindings) ResolveValue(raw any) any {
	switch t := raw.(type) {
	case string:
		if v, ok := b.ResolveRef(t); ok {
			return v
		}
		if strings.Contains(t, "${") {
			return b.InterpolateString(t)
		}
		return t
	case map[string]any:
		if path, ok := t["ref"].(string); ok && len(t) == 1 {
			return b.Resolve(path).value
		}
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = b.ResolveValue(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = b.ResolveValue(v)
		}
		return out
	default:
		return raw
	}
}

// Exists reports whether path resolves to a defined value.
func (b bindings) Exists(path string) bool {
	return b.Resolve(path).found
}
