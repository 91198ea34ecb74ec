// Package model defines the Signal K wire grammar: the Delta/Update/
// PathValue value types, the client and server message envelopes, and
// the codec and validation functions that sit at the ingress boundary
// of the server. Nothing in this package touches the store or any
// transport — it is pure data shape and pure functions over it.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors identify the kind of failure so callers can switch
// on it with errors.Is instead of matching strings.
var (
	// ErrDecode means the input bytes were not well-formed JSON, or not
	// shaped like any known ClientMessage variant.
	ErrDecode = errors.New("model: decode error")
	// ErrValidation means the input decoded but violates a structural
	// constraint (empty path segment, bad context, unknown policy...).
	ErrValidation = errors.New("model: validation error")
)

// DecodeError wraps a decode failure with the offending field, when
// known, and the underlying cause.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// ValidationError wraps a structural violation with the offending
// field name so a session can surface it in an Error message.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// SelfContext is the reserved context alias that resolves against the
// server's own vessel URN for routing and subscription matching. It is
// never persisted as a store key.
const SelfContext = "vessels.self"

// AllVesselsContext matches every vessel context.
const AllVesselsContext = "vessels.*"

// Context identifies the entity (vessel) a delta or subscription
// applies to: "vessels.self", "vessels.*", "vessels.<urn>", or a bare
// "*".
type Context string

// Path is a dot-separated segment sequence addressing a datum within a
// context, e.g. "navigation.position".
type Path string

// SourceRef is an opaque label identifying the provider of a value,
// e.g. "nmea0183.GP" or "n2k.115". Used both as a values map key and
// as the $source tag.
type SourceRef string

// SourceObj carries the structured provenance of an update, from which
// a SourceRef can be derived when $source is absent.
type SourceObj struct {
	Label   string `json:"label"`
	Type    string `json:"type,omitempty"`
	Src     string `json:"src,omitempty"`
	PGN     int    `json:"pgn,omitempty"`
	Sentence string `json:"sentence,omitempty"`
	Talker  string `json:"talker,omitempty"`
}

// DerivedSourceRef computes the $source value from a SourceObj: label,
// optionally suffixed with .src or .talker.
func (s SourceObj) DerivedSourceRef() SourceRef {
	ref := s.Label
	switch {
	case s.Src != "":
		ref += "." + s.Src
	case s.Talker != "":
		ref += "." + s.Talker
	}
	return SourceRef(ref)
}

// PathValue is a single path/value pair within an Update. A nil Value
// clears the path.
type PathValue struct {
	Path  Path `json:"path"`
	Value any  `json:"value"`
}

// Update is one provenance-tagged batch of PathValues within a Delta.
type Update struct {
	Source    *SourceObj `json:"source,omitempty"`
	SourceRef SourceRef  `json:"$source,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Values    []PathValue `json:"values"`
}

// Delta is an incremental update message: a context and one or more
// provenance-tagged updates. An absent Context defaults to
// SelfContext.
type Delta struct {
	Context Context  `json:"context,omitempty"`
	Updates []Update `json:"updates"`
}

// NormalizedDelta is the output of Validate: every Update has had its
// SourceRef resolved and its Timestamp filled, and Context defaults to
// SelfContext. It is the only shape apply_delta (package store) will
// accept.
type NormalizedDelta struct {
	Context Context
	Updates []NormalizedUpdate
}

// NormalizedUpdate is an Update after source/timestamp resolution.
type NormalizedUpdate struct {
	SourceRef SourceRef
	Timestamp time.Time
	Values    []PathValue
}
