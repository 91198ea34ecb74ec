// Package pathmatch implements the narrow glob grammar used for
// subscription context and path patterns: literal segments, a
// single-segment "*" wildcard, and a trailing "*" that matches one or
// more trailing segments. This is deliberately not a regex engine —
// the embedded deployment shape cannot afford one. Matching splits the
// concrete value with strings.Split, so each Matches call allocates one
// segment slice.
package pathmatch

import "strings"

// Pattern is a compiled dot-separated glob. Compile once (at
// subscription time), then call Matches repeatedly on the hot path.
type Pattern struct {
	segments []string
	// trailingWildcard is true when the final segment is "*", meaning
	// "one or more trailing segments" rather than "exactly one".
	trailingWildcard bool
}

// Compile splits a pattern string into segments. The single pattern
// "*" is compiled to a zero-segment, trailingWildcard Pattern that
// matches any non-empty input.
func Compile(pattern string) Pattern {
	if pattern == "*" || pattern == "" {
		return Pattern{trailingWildcard: true}
	}
	segs := strings.Split(pattern, ".")
	p := Pattern{segments: segs}
	if len(segs) > 0 && segs[len(segs)-1] == "*" {
		p.trailingWildcard = true
		p.segments = segs[:len(segs)-1]
	}
	return p
}

// Matches reports whether the dot-separated concrete value matches the
// compiled pattern. Linear in segment count; allocates the value's
// segment slice on every call.
func (p Pattern) Matches(value string) bool {
	if value == "" {
		return false
	}
	return p.matchSegments(splitSegments(value))
}

func (p Pattern) matchSegments(valueSegs []string) bool {
	if p.trailingWildcard && len(p.segments) == 0 {
		return true
	}

	if p.trailingWildcard {
		if len(valueSegs) < len(p.segments)+1 {
			return false
		}
	} else if len(valueSegs) != len(p.segments) {
		return false
	}

	for i, seg := range p.segments {
		if seg == "*" {
			continue
		}
		if seg != valueSegs[i] {
			return false
		}
	}
	return true
}

// splitSegments splits value on "." with strings.Split, allocating a
// new slice on every call.
func splitSegments(value string) []string {
	return strings.Split(value, ".")
}

// String renders the pattern back to its dotted form, for logging.
func (p Pattern) String() string {
	if len(p.segments) == 0 {
		return "*"
	}
	s := strings.Join(p.segments, ".")
	if p.trailingWildcard {
		if s != "" {
			s += "."
		}
		s += "*"
	}
	return s
}

// MatchesContext resolves the reserved "vessels.self" alias against
// selfURN before compiling and matching, since context patterns share
// the same grammar as path patterns but carry this one alias.
func MatchesContext(pattern, context, selfURN string) bool {
	resolved := pattern
	if resolved == "vessels.self" {
		resolved = selfURN
	}
	target := context
	if target == "vessels.self" {
		target = selfURN
	}
	return Compile(resolved).Matches(target)
}
