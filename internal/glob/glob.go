// Package glob implements a small wildcard matcher for cache key patterns.
//
// Only two metacharacters are supported: '*' matches zero or more
// characters and '?' matches exactly one. The implementation is a linear
// two-pointer scan rather than a regex translation, so hostile patterns
// cannot trigger backtracking blowup.
package glob

import "strings"

const (
	// MaxPatternLength is the longest pattern accepted by Match.
	MaxPatternLength = 100

	// maxStarDepth bounds how many '*' anchors a single match may open.
	// Re-anchoring an already-open star only moves its binding forward, so
	// the scan stays linear in the value regardless of value length.
	maxStarDepth = 100
)

// Match reports whether value matches pattern. A match is total: both the
// pattern and the value must be fully consumed. Patterns longer than
// MaxPatternLength never match.
func Match(pattern, value string) bool {
	if len(pattern) > MaxPatternLength {
		return false
	}

	// Fast path: no wildcards means plain string equality.
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == value
	}

	var p, v int
	starIdx := -1 // position of the last '*' seen in pattern
	anchor := 0   // value offset the last '*' is currently bound to
	depth := 0

	for v < len(value) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case p < len(pattern) && pattern[p] == '*':
			depth++
			if depth > maxStarDepth {
				return false
			}
			starIdx = p
			anchor = v
			p++
		case starIdx >= 0:
			// Mismatch after a '*': extend the star by one character
			// and resume right after it.
			anchor++
			v = anchor
			p = starIdx + 1
		default:
			return false
		}
	}

	// Trailing '*' runs match the empty string.
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}

	return p == len(pattern)
}

// HasWildcard reports whether pattern contains any metacharacters.
func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}
