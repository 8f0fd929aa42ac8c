// Package strings holds small string-normalization helpers shared by the
// transport and service layers.
package strings

import (
	"strings"
)

// NormalizeKey trims and lowercases a lookup key. Relation keys go through
// this before they are bound or resolved, so casing and stray whitespace
// never split one party across groups.
func NormalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// DedupeAndTrim removes duplicates and blank entries from a slice, trimming
// whitespace from each element. Order is preserved.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
