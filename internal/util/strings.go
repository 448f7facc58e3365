// Package util holds small string helpers shared by the config, CLI and
// loader packages.
package util

import "strings"

// SplitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries. It returns nil for an empty or blank list.
func SplitCSV(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// MatchesTable reports whether pattern names table, either bare ("orders")
// or qualified ("sales.orders"). Comparison is case-insensitive and a
// qualified pattern never matches when schema is empty.
func MatchesTable(pattern, schema, table string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	s, t, qualified := strings.Cut(pattern, ".")
	if !qualified {
		return strings.EqualFold(pattern, table)
	}
	return schema != "" && strings.EqualFold(s, schema) && strings.EqualFold(t, table)
}
