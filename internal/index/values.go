package index

import (
	"sort"
	"strconv"
	"time"
)

// tokenValue is one (system, code) pair pulled from a coded element.
type tokenValue struct {
	System string
	Code   string
}

// quantityValue is a numeric value with its unit.
type quantityValue struct {
	Value float64
	Unit  string
}

// stringValues flattens a string-searchable element. Scalars yield
// themselves; objects (e.g. a human name) yield every string leaf.
func stringValues(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case map[string]any:
		var out []string
		for _, k := range sortedKeys(val) {
			out = append(out, stringValues(val[k])...)
		}
		return out
	case []any:
		var out []string
		for _, elem := range val {
			out = append(out, stringValues(elem)...)
		}
		return out
	default:
		return nil
	}
}

// tokenValues extracts (system, code) pairs. Accepts a bare code string,
// a boolean, a coding object, an identifier object, or a codeable
// concept whose coding array yields one pair per coding.
func tokenValues(v any) []tokenValue {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []tokenValue{{Code: val}}
	case bool:
		return []tokenValue{{Code: strconv.FormatBool(val)}}
	case map[string]any:
		if codings, ok := val["coding"].([]any); ok {
			var out []tokenValue
			for _, c := range codings {
				out = append(out, tokenValues(c)...)
			}
			return out
		}
		system, _ := val["system"].(string)
		if code, ok := val["code"].(string); ok && code != "" {
			return []tokenValue{{System: system, Code: code}}
		}
		// Identifier shape: system + value.
		if value, ok := val["value"].(string); ok && value != "" {
			return []tokenValue{{System: system, Code: value}}
		}
		return nil
	case []any:
		var out []tokenValue
		for _, elem := range val {
			out = append(out, tokenValues(elem)...)
		}
		return out
	default:
		return nil
	}
}

// dateLayouts are accepted in decreasing precision. Partial dates index
// as the start of their period.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
	"2006-01",
	"2006",
}

func dateValue(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func numberValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// quantityValues reads a quantity object {value, unit|code} or a bare
// number.
func quantityValues(v any) []quantityValue {
	switch val := v.(type) {
	case map[string]any:
		num, ok := numberValue(val["value"])
		if !ok {
			return nil
		}
		unit, _ := val["unit"].(string)
		if unit == "" {
			unit, _ = val["code"].(string)
		}
		return []quantityValue{{Value: num, Unit: unit}}
	case []any:
		var out []quantityValue
		for _, elem := range val {
			out = append(out, quantityValues(elem)...)
		}
		return out
	default:
		if num, ok := numberValue(v); ok {
			return []quantityValue{{Value: num}}
		}
		return nil
	}
}

// rawReferences reads the reference literal(s) under a node. Only the
// object form {reference: "Type/id"} counts, matching what the edge
// extractor records; a bare string at a reference path yields neither
// an index entry nor an edge.
func rawReferences(v any) []string {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := val["reference"].(string); ok && ref != "" {
			return []string{ref}
		}
		return nil
	case []any:
		var out []string
		for _, elem := range val {
			out = append(out, rawReferences(elem)...)
		}
		return out
	default:
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
