package gateways

import (
	"sort"
	"strings"
)

// normalizeIDs trims, drops empties and duplicates, and sorts.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	sort.Strings(result)
	return result
}

func unionIDs(sets ...[]string) []string {
	var all []string
	for _, set := range sets {
		all = append(all, set...)
	}
	return normalizeIDs(all)
}

func minusIDs(set, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	result := make([]string, 0, len(set))
	for _, id := range normalizeIDs(set) {
		if _, ok := drop[id]; !ok {
			result = append(result, id)
		}
	}
	return result
}

func intersectIDs(left, right []string) []string {
	keep := make(map[string]struct{}, len(right))
	for _, id := range right {
		keep[id] = struct{}{}
	}
	result := make([]string, 0)
	for _, id := range normalizeIDs(left) {
		if _, ok := keep[id]; ok {
			result = append(result, id)
		}
	}
	return result
}

func containsAll(set, required []string) bool {
	return len(minusIDs(required, set)) == 0
}

// splitIDs divides the sorted ids in two; the first share gets the extra id.
func splitIDs(ids []string) ([]string, []string) {
	sorted := normalizeIDs(ids)
	half := (len(sorted) + 1) / 2
	return append([]string{}, sorted[:half]...), append([]string{}, sorted[half:]...)
}
