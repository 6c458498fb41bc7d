package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is a single structured log event as delivered by the input side.
// The forwarder treats it as read-only once received.
type Event map[string]any

// Expander turns an event and a key template into a routing key.
type Expander interface {
	Expand(ev Event, template string) string
}

// ExpanderFunc adapts a plain function to Expander.
type ExpanderFunc func(ev Event, template string) string

func (f ExpanderFunc) Expand(ev Event, template string) string {
	return f(ev, template)
}

// FieldExpander resolves %{field} and %{[nested][field]} references.
// References to missing fields are left in place unchanged.
type FieldExpander struct{}

func (FieldExpander) Expand(ev Event, template string) string {
	return Sprintf(ev, template)
}

// Sprintf expands field references in template against ev.
func Sprintf(ev Event, template string) string {
	if !strings.Contains(template, "%{") {
		return template
	}

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "%{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		ref := rest[start+2 : end]
		if value, ok := ev.Lookup(ref); ok {
			b.WriteString(formatValue(value))
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}

	return b.String()
}

// Lookup resolves a field reference. Both "name" and "[outer][inner]"
// forms are accepted.
func (e Event) Lookup(ref string) (any, bool) {
	path := parseFieldRef(ref)
	if len(path) == 0 {
		return nil, false
	}

	var current any = map[string]any(e)
	for _, part := range path {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Has reports whether the referenced field is present.
func (e Event) Has(ref string) bool {
	_, ok := e.Lookup(ref)
	return ok
}

func parseFieldRef(ref string) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if !strings.HasPrefix(ref, "[") {
		return []string{ref}
	}

	var parts []string
	for len(ref) > 0 {
		if ref[0] != '[' {
			return nil
		}
		end := strings.IndexByte(ref, ']')
		if end < 0 {
			return nil
		}
		parts = append(parts, ref[1:end])
		ref = ref[end+1:]
	}
	return parts
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Event:
		return m, true
	default:
		return nil, false
	}
}

func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	}
}
