package app

import (
	"cmp"
	"slices"
)

// collectKeys and sortedKeys stand in for slices.Collect(maps.Keys(m)) and
// slices.Sorted(maps.Keys(m)), which need Go 1.23; the module targets Go 1.21.

func collectKeys[M ~map[K]V, K comparable, V any](m M) []K {
	var keys []K
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortedKeys[M ~map[K]V, K cmp.Ordered, V any](m M) []K {
	keys := collectKeys(m)
	slices.Sort(keys)
	return keys
}
