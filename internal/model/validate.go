package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSourceRef is assigned to an update that carries neither
// $source nor source; it is meant to be overridden by the caller
// (typically a session tagging its own pushed deltas) via
// Validate's defaultSource parameter.
const DefaultSourceRef = SourceRef("unknown")

// Validate normalizes a Delta: fills Context with SelfContext if
// absent, derives $source from source.label when
// $source is missing, assigns defaultSource when neither is present,
// stamps missing timestamps with now, and rejects malformed paths.
// now and defaultSource let callers (sessions, providers) supply the
// server clock and a per-connection fallback source without this
// package depending on either.
func Validate(d Delta, now time.Time, defaultSource SourceRef) (NormalizedDelta, error) {
	ctx := d.Context
	if ctx == "" {
		ctx = SelfContext
	}

	if len(d.Updates) == 0 {
		return NormalizedDelta{}, &ValidationError{Field: "updates", Err: fmt.Errorf("delta has no updates")}
	}

	out := NormalizedDelta{Context: ctx, Updates: make([]NormalizedUpdate, 0, len(d.Updates))}
	for i, u := range d.Updates {
		ref := u.SourceRef
		if ref == "" && u.Source != nil {
			ref = u.Source.DerivedSourceRef()
		}
		if ref == "" {
			ref = defaultSource
		}
		if ref == "" {
			ref = DefaultSourceRef
		}

		ts := now
		if u.Timestamp != nil {
			ts = *u.Timestamp
		}

		if len(u.Values) == 0 {
			return NormalizedDelta{}, &ValidationError{
				Field: fmt.Sprintf("updates[%d].values", i),
				Err:   fmt.Errorf("update has no values"),
			}
		}

		for _, pv := range u.Values {
			if err := ValidatePath(pv.Path); err != nil {
				return NormalizedDelta{}, &ValidationError{
					Field: fmt.Sprintf("updates[%d].values[%s]", i, pv.Path),
					Err:   err,
				}
			}
		}

		out.Updates = append(out.Updates, NormalizedUpdate{
			SourceRef: ref,
			Timestamp: ts,
			Values:    u.Values,
		})
	}

	return out, nil
}

// ValidatePath rejects paths with empty segments, a leading dot, or a
// trailing dot. An empty path is rejected. A meta update (a
// {"meta":...} value at an ordinary path) is recognised by the store,
// not here, since it is a value-shape concern rather than a path-shape
// one.
func ValidatePath(p Path) error {
	s := string(p)
	if s == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return fmt.Errorf("path %q starts or ends with a dot", s)
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", s)
		}
	}
	return nil
}

// ValidateContext rejects context strings that cannot be resolved to
// a single vessel by apply_delta: "vessels.*" and the bare "*" are
// valid subscription/matching contexts but are not valid delta
// contexts.
func ValidateContext(ctx Context) error {
	s := string(ctx)
	switch {
	case s == AllVesselsContext, s == "*":
		return fmt.Errorf("context %q cannot be resolved to a single vessel", s)
	case s == "" || s == SelfContext:
		return nil
	case strings.HasPrefix(s, "vessels."):
		return nil
	default:
		return fmt.Errorf("context %q is not a recognized vessel context", s)
	}
}
