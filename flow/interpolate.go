package flow

import (
	"strconv"
	"strings"
)

// maxInterpolatedValueLen bounds the expansion of a single {{...}} segment
// so a template cannot blow up the output with a huge composite value.
const maxInterpolatedValueLen = 10_000

// LookupPath walks a dotted path through nested maps (and list indexes)
// rooted at data. It returns the value and whether every segment resolved.
//
//	LookupPath(data, "a.b.c")     // data["a"]["b"]["c"]
//	LookupPath(data, "items.0")   // data["items"][0]
func LookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = data
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Interpolate expands {{a.b.c}} references in template against data.
// A reference whose path does not fully resolve stays literal, which keeps
// the error domain narrow: a bad template produces visible braces instead
// of a failure. Expanded values are truncated at a fixed bound.
func Interpolate(template string, data map[string]interface{}) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var sb strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			sb.WriteString(rest)
			break
		}
		end += start

		sb.WriteString(rest[:start])
		raw := rest[start : end+2]
		path := strings.TrimSpace(rest[start+2 : end])

		value, ok := LookupPath(data, path)
		if !ok || path == "" {
			sb.WriteString(raw)
		} else {
			expanded := Stringify(value)
			if len(expanded) > maxInterpolatedValueLen {
				expanded = expanded[:maxInterpolatedValueLen]
			}
			sb.WriteString(expanded)
		}
		rest = rest[end+2:]
	}
	return sb.String()
}
