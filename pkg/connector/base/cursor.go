package base

import (
	"github.com/goccy/go-json"
)

// MergeCursor combines the stored cursor with the one a sync returned.
// When both are JSON objects the keys are merged with next winning, so a
// multi-resource sync that only advanced some resources keeps the others.
// Otherwise an empty next keeps prev and any other next replaces it.
func MergeCursor(prev, next string) string {
	if next == "" {
		return prev
	}
	if prev == "" {
		return next
	}

	var p, n map[string]any
	if json.Unmarshal([]byte(prev), &p) != nil || json.Unmarshal([]byte(next), &n) != nil || p == nil || n == nil {
		return next
	}
	for k, v := range n {
		p[k] = v
	}
	merged, err := json.Marshal(p)
	if err != nil {
		return next
	}
	return string(merged)
}
