// Package subject implements the dotted-segment subject matching rules of
// spec section 4.2: literal segments, the single-segment `*` wildcard, and
// the trailing multi-segment `>` wildcard.
package subject

import "strings"

// Split breaks a subject or pattern into dotted segments. It returns false
// if the string is empty or contains an empty segment (leading/trailing
// dot, or adjacent dots).
func Split(s string) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

// Matches reports whether the concrete subject matches pattern, per spec
// section 4.2:
//   - a literal segment must match literally
//   - `*` matches exactly one segment
//   - `>` matches one or more remaining segments and is only valid as the
//     pattern's trailing token
//   - either side being syntactically invalid (empty, empty segment) makes
//     the match false
func Matches(pattern, subj string) bool {
	patSegs, ok := Split(pattern)
	if !ok {
		return false
	}
	subjSegs, ok := Split(subj)
	if !ok {
		return false
	}
	return matchSegments(patSegs, subjSegs)
}

func matchSegments(pat, subj []string) bool {
	for i, p := range pat {
		if p == ">" {
			// `>` must be the trailing token and must consume at least
			// one remaining subject segment.
			if i != len(pat)-1 {
				return false
			}
			return len(subj) > i
		}

		if i >= len(subj) {
			return false
		}

		if p == "*" {
			continue
		}

		if p != subj[i] {
			return false
		}
	}

	// No trailing `>` consumed the remainder: segment counts must match
	// exactly.
	return len(pat) == len(subj)
}

// Allowed reports whether subj matches at least one pattern in patterns.
func Allowed(patterns []string, subj string) bool {
	for _, p := range patterns {
		if Matches(p, subj) {
			return true
		}
	}
	return false
}

// ValidSubject reports whether s is a syntactically valid concrete subject
// for publish/subscribe purposes: non-empty segments, and only the
// alphabet of letters, digits, `.`, `_`, and `-` (wildcards are rejected —
// ValidPattern allows them).
func ValidSubject(s string) bool {
	return validSegments(s, false)
}

// ValidPattern reports whether s is a syntactically valid subject pattern,
// allowing `*` and `>` tokens per the rules above.
func ValidPattern(s string) bool {
	return validSegments(s, true)
}

func validSegments(s string, allowWildcards bool) bool {
	segs, ok := Split(s)
	if !ok {
		return false
	}
	for i, seg := range segs {
		if allowWildcards && seg == "*" {
			continue
		}
		if allowWildcards && seg == ">" {
			if i != len(segs)-1 {
				return false
			}
			continue
		}
		for _, r := range seg {
			if !validSubjectRune(r) {
				return false
			}
		}
	}
	return true
}

func validSubjectRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}
