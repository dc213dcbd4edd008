package permission

import (
	"encoding/json"
	"strings"
)

// chartKeysIgnored are request keys that vary between two retrievals of the same chart
var chartKeysIgnored = map[string]struct{}{
	"timezone":         {},
	"contextVariables": {},
	"record_id":        {},
}

// CanonicalChart serializes a chart definition so that equal charts compare equal:
// keys are sorted, empty values and per-request keys are dropped, and "filter"
// strings are parsed.
func CanonicalChart(chart map[string]any) (string, error) {
	b, err := json.Marshal(canonicalValue(chart, true))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func canonicalValue(v any, root bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if root {
				if _, skip := chartKeysIgnored[k]; skip {
					continue
				}
			}
			if k == "filter" || k == "filters" {
				if s, ok := val.(string); ok {
					var parsed any
					if json.Unmarshal([]byte(s), &parsed) == nil {
						val = parsed
					}
				}
			}
			c := canonicalValue(val, false)
			if isEmpty(c) {
				continue
			}
			out[k] = c
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = canonicalValue(item, false)
		}
		return out
	case json.Number:
		return t.String()
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return v
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// NormalizeQuery collapses whitespace and drops a trailing semicolon
func NormalizeQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	return strings.TrimSuffix(q, ";")
}
