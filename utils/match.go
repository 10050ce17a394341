package utils

import "strings"

// MatchPermission checks if a permission name such as "catalog.entity.read"
// matches pattern. Patterns may include:
//   - '*' alone, matching every permission.
//   - '*' inside a segment list, matching exactly one '.'-separated segment.
//   - A trailing ".*", matching the prefix and anything below it.
//
// Matching is case sensitive, the way permission names are registered.
func MatchPermission(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if value == "" || pattern == "" {
		return false
	}
	return matchSegments(value, pattern)
}

// matchSegments walks value and pattern side by side. A '*' in the pattern
// consumes value characters up to the next '.'.
func matchSegments(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			// trailing ".*" covers every descendant
			if pIndex == pLen-1 && pIndex > 0 && pattern[pIndex-1] == '.' {
				return vIndex < vLen
			}
			if vIndex >= vLen || value[vIndex] == '.' {
				return false
			}
			for vIndex < vLen && value[vIndex] != '.' {
				vIndex++
			}
			pIndex++
		default:
			if vIndex < vLen && pattern[pIndex] == value[vIndex] {
				vIndex++
				pIndex++
			} else {
				return false
			}
		}
	}
	return vIndex == vLen
}

// MatchAny reports whether value matches at least one pattern.
func MatchAny(value string, patterns ...string) bool {
	for _, p := range patterns {
		if MatchPermission(value, strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}
