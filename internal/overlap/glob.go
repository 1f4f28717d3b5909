package overlap

import "strings"

// matchGlob performs simple glob matching where "*" matches any sequence of
// characters. It supports multiple wildcards (e.g. "services/*/handlers/*").
func matchGlob(pattern, value string) bool {
	// Fast paths.
	if pattern == "*" {
		return true
	}
	if pattern == "" {
		return value == ""
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")

	// First segment must match as a prefix.
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	remaining := value[len(parts[0]):]

	// Middle segments must appear in order.
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(remaining, parts[i])
		if idx < 0 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}

	// Last segment must match as a suffix.
	last := parts[len(parts)-1]
	return strings.HasSuffix(remaining, last)
}

// base strips a trailing glob from a path pattern so prefix containment can
// be checked: "services/fm/*" → "services/fm/".
func base(pattern string) string {
	if idx := strings.Index(pattern, "*"); idx >= 0 {
		return pattern[:idx]
	}
	return pattern
}

// PathsOverlap reports whether two advisory path patterns can touch the same
// resource. Matching is conservative: glob matches in either direction count,
// and so does prefix containment of the glob-free bases. False positives are
// acceptable; false negatives are not.
func PathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if matchGlob(a, b) || matchGlob(b, a) {
		return true
	}
	ab, bb := base(a), base(b)
	if ab == "" || bb == "" {
		return true
	}
	return strings.HasPrefix(ab, bb) || strings.HasPrefix(bb, ab)
}
