// Package jsonb mirrors the activity SQL helper functions on decoded JSON objects.
package jsonb

import (
	"encoding/json"
	"reflect"
)

// Merge returns data overlaid with merge, like jsonb_merge. Keys in merge win.
// When neither side has keys the result is nil, matching the SQL NULL.
func Merge(data, merge map[string]any) map[string]any {
	if len(data) == 0 && len(merge) == 0 {
		return nil
	}
	out := make(map[string]any, len(data)+len(merge))
	for k, v := range data {
		out[k] = v
	}
	for k, v := range merge {
		out[k] = v
	}
	return out
}

// Subtract returns the entries of a that are missing from b or hold a different value, like jsonb_subtract.
func Subtract(a, b map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !Equal(v, w) {
			out[k] = v
		}
	}
	return out
}

// Equal compares two decoded JSON values. Numbers compare by value regardless of Go type.
func Equal(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
