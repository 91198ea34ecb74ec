// Package subscription tracks, per session, which context/path patterns
// a client wants delta updates for, at what policy and rate, and
// evaluates each store-applied delta against that set to decide what
// (if anything) the session's outbound writer should see.
package subscription

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/pathmatch"
)

// Policy selects how a subscription paces emits against inbound update
// frequency.
type Policy int

const (
	// PolicyInstant emits every matching update immediately, subject to
	// MinPeriod throttling.
	PolicyInstant Policy = iota
	// PolicyFixed ignores inbound rate and emits the most recent value
	// per matching concrete path at Period intervals, coalescing
	// intervening updates.
	PolicyFixed
	// PolicyIdeal behaves as PolicyInstant but additionally re-emits the
	// last value when Period elapses without a new update.
	PolicyIdeal
)

func (p Policy) String() string {
	switch p {
	case PolicyFixed:
		return "fixed"
	case PolicyIdeal:
		return "ideal"
	default:
		return "instant"
	}
}

func parsePolicy(s string) (Policy, error) {
	switch s {
	case "", "instant":
		return PolicyInstant, nil
	case "fixed":
		return PolicyFixed, nil
	case "ideal":
		return PolicyIdeal, nil
	default:
		return PolicyInstant, fmt.Errorf("unknown policy %q", s)
	}
}

// InitialMode selects the synthetic subscription installed at session
// open, derived from the streaming transport's `subscribe` query
// parameter.
type InitialMode int

const (
	InitialSelf InitialMode = iota
	InitialAll
	InitialNone
)

// entry is one subscribed (context, path) pattern pair plus its
// policy and throttle configuration.
type entry struct {
	contextPattern string
	pathPattern    string
	pathCompiled   pathmatch.Pattern
	policy         Policy
	period         time.Duration
	minPeriod      time.Duration
	// lastFlush is when Tick last flushed this entry's fixed/ideal
	// interval. Zero means never flushed; Tick treats that as due.
	lastFlush time.Time
}

// pathKey composes the map key pathState bookkeeping is stored under.
// Keying on path alone would let two contexts reporting the same path
// name (e.g. two vessels both updating "navigation.position") share
// one throttle/coalesce slot and clobber each other's pending value.
func pathKey(contextStr, path string) string {
	return contextStr + "\x00" + path
}

// pathState tracks per-concrete-(context,path) emission bookkeeping,
// shared across every entry that happens to match that pair.
type pathState struct {
	lastEmit  time.Time
	lastValue model.ServerDeltaUpdate
	lastCtx   string

	// pending holds the most recently seen value for a fixed-policy
	// path that hasn't been flushed by Tick yet.
	pending    model.ServerDeltaUpdate
	pendingCtx string
	hasPending bool
}

// Manager owns one session's subscription set. Not safe for concurrent
// use from multiple goroutines without external synchronization beyond
// what its own mutex provides for its own methods; callers should treat
// a single session's Manager as session-owned.
type Manager struct {
	selfURN string

	mu      sync.Mutex
	entries []entry
	paths   map[string]*pathState
}

// NewManager creates an empty subscription set for a session bound to
// the given self vessel URN (used to resolve the "vessels.self" alias
// in context patterns).
func NewManager(selfURN string) *Manager {
	return &Manager{
		selfURN: selfURN,
		paths:   make(map[string]*pathState),
	}
}

// ApplyInitial installs the synthetic subscription a session opens
// with, per its `subscribe` query parameter.
func (m *Manager) ApplyInitial(mode InitialMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch mode {
	case InitialSelf:
		m.entries = []entry{{
			contextPattern: "vessels.self", pathPattern: "*",
			pathCompiled: pathmatch.Compile("*"),
			policy:        PolicyInstant,
		}}
	case InitialAll:
		m.entries = []entry{{
			contextPattern: "*", pathPattern: "*",
			pathCompiled: pathmatch.Compile("*"),
			policy:       PolicyInstant,
		}}
	case InitialNone:
		m.entries = nil
	}
}

// Subscribe merges items into the subscription set under ctx. It
// returns one non-fatal validation warning per item that needed a
// default applied or carried a contradictory combination, mirroring
// the warnings a session surfaces as Error records without rejecting
// the subscription outright.
func (m *Manager) Subscribe(ctx model.Context, items []model.SubscribeItem) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var warnings []string
	contextPattern := string(ctx)
	if contextPattern == "" {
		contextPattern = "vessels.self"
	}

	for _, it := range items {
		policy, err := parsePolicy(it.Policy)
		if err != nil {
			warnings = append(warnings, err.Error())
			policy = PolicyInstant
		}

		if it.MinPeriod != nil && it.Policy != "" && policy != PolicyInstant {
			warnings = append(warnings, "minPeriod implies instant policy")
			policy = PolicyInstant
		} else if it.MinPeriod != nil && it.Policy == "" {
			policy = PolicyInstant
		}
		if it.Period != nil && it.Policy == "" {
			policy = PolicyFixed
			warnings = append(warnings, "period without explicit policy defaults to fixed")
		}

		e := entry{
			contextPattern: contextPattern,
			pathPattern:    string(it.Path),
			pathCompiled:   pathmatch.Compile(string(it.Path)),
			policy:         policy,
		}
		if it.Period != nil {
			e.period = time.Duration(*it.Period) * time.Millisecond
		}
		if it.MinPeriod != nil {
			e.minPeriod = time.Duration(*it.MinPeriod) * time.Millisecond
		}
		m.entries = append(m.entries, e)
	}
	return warnings
}

// Unsubscribe removes subscriptions matching (context, path) pairs in
// items. A {"*","*"} pair clears the whole set.
func (m *Manager) Unsubscribe(ctx model.Context, items []model.SubscribeItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contextPattern := string(ctx)
	if contextPattern == "" {
		contextPattern = "vessels.self"
	}

	for _, it := range items {
		pathPattern := string(it.Path)
		if contextPattern == "*" && pathPattern == "*" {
			m.entries = nil
			return
		}
		kept := m.entries[:0]
		for _, e := range m.entries {
			if e.contextPattern == contextPattern && e.pathPattern == pathPattern {
				continue
			}
			kept = append(kept, e)
		}
		m.entries = kept
	}
}

// matchingEntries returns every entry whose context pattern matches
// contextStr.
func (m *Manager) matchingEntries(contextStr string) []entry {
	var out []entry
	for _, e := range m.entries {
		if pathmatch.MatchesContext(e.contextPattern, contextStr, m.selfURN) {
			out = append(out, e)
		}
	}
	return out
}

// Evaluate filters d against the subscription set and returns the
// surviving server delta (grouped by source, one ServerDeltaUpdate per
// input Update) plus whether anything survived. Concrete-path rate
// limiting takes the minimum MinPeriod among every entry that admits
// that path, so a subscription without a throttle effectively disables
// throttling for a path also covered by a throttled one.
func (m *Manager) Evaluate(contextStr string, d model.NormalizedDelta, now time.Time) (model.ServerDelta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.matchingEntries(contextStr)
	if len(candidates) == 0 {
		return model.ServerDelta{}, false
	}

	out := model.ServerDelta{Context: contextStr}
	for _, u := range d.Updates {
		var survivors []model.PathValue
		for _, pv := range u.Values {
			path := string(pv.Path)
			sdu := model.ServerDeltaUpdate{SourceRef: u.SourceRef, Timestamp: model.WireTime(u.Timestamp), Values: []model.PathValue{pv}}

			immediate, throttleOK, anyMatch := m.classify(candidates, contextStr, path, now)
			if !anyMatch {
				continue
			}
			m.stagePending(contextStr, path, sdu)
			if immediate && throttleOK {
				survivors = append(survivors, pv)
				m.recordEmit(contextStr, path, now, sdu)
			}
		}
		if len(survivors) == 0 {
			continue
		}
		out.Updates = append(out.Updates, model.ServerDeltaUpdate{
			SourceRef: u.SourceRef,
			Timestamp: model.WireTime(u.Timestamp),
			Values:    survivors,
		})
	}
	if len(out.Updates) == 0 {
		return model.ServerDelta{}, false
	}
	return out, true
}

// classify reports whether path is matched by any candidate at all
// (anyMatch), whether an instant/ideal candidate wants it emitted on
// arrival (immediate; fixed-policy candidates are flushed by Tick, not
// on arrival), and whether the minimum applicable MinPeriod throttle
// across those candidates currently allows the emit (throttleOK).
func (m *Manager) classify(candidates []entry, contextStr, path string, now time.Time) (immediate, throttleOK, anyMatch bool) {
	var minThrottle time.Duration = -1
	hasUnthrottled := false
	for _, e := range candidates {
		if !e.pathCompiled.Matches(path) {
			continue
		}
		anyMatch = true
		if e.policy == PolicyFixed {
			continue
		}
		immediate = true
		if e.minPeriod > 0 {
			if minThrottle < 0 || e.minPeriod < minThrottle {
				minThrottle = e.minPeriod
			}
		} else {
			hasUnthrottled = true
		}
	}
	if !immediate {
		return immediate, false, anyMatch
	}
	// A matching subscription with no throttle at all disables throttling
	// for this path even if another overlapping subscription has one.
	if hasUnthrottled || minThrottle < 0 {
		return immediate, true, anyMatch
	}
	st, ok := m.paths[pathKey(contextStr, path)]
	if !ok || st.lastEmit.IsZero() {
		return immediate, true, anyMatch
	}
	return immediate, now.Sub(st.lastEmit) >= minThrottle, anyMatch
}

// stagePending records the coalesced latest value for (contextStr,
// path) regardless of which policy matched it, so a fixed-policy entry
// sharing the path has something to flush on its next Tick interval.
func (m *Manager) stagePending(contextStr, path string, v model.ServerDeltaUpdate) {
	key := pathKey(contextStr, path)
	st, ok := m.paths[key]
	if !ok {
		st = &pathState{}
		m.paths[key] = st
	}
	st.pending = v
	st.pendingCtx = contextStr
	st.hasPending = true
}

func (m *Manager) recordEmit(contextStr, path string, now time.Time, v model.ServerDeltaUpdate) {
	key := pathKey(contextStr, path)
	st, ok := m.paths[key]
	if !ok {
		st = &pathState{}
		m.paths[key] = st
	}
	st.lastEmit = now
	st.lastValue = v
	st.lastCtx = contextStr
	st.hasPending = false
}

// Tick flushes fixed-policy coalesced values and re-emits ideal-policy
// keep-alives whose interval has elapsed. Callers drive this from a
// periodic timer in the session loop; it runs independent of delta
// arrival.
func (m *Manager) Tick(now time.Time) []model.ServerDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deltas []model.ServerDelta
	for i := range m.entries {
		e := &m.entries[i]
		if (e.policy != PolicyFixed && e.policy != PolicyIdeal) || e.period <= 0 {
			continue
		}
		if !e.lastFlush.IsZero() && now.Sub(e.lastFlush) < e.period {
			continue
		}
		e.lastFlush = now

		for key, st := range m.paths {
			contextStr, path, found := strings.Cut(key, "\x00")
			if !found || !pathmatch.MatchesContext(e.contextPattern, contextStr, m.selfURN) || !e.pathCompiled.Matches(path) {
				continue
			}
			var v model.ServerDeltaUpdate
			var ctxStr string
			switch e.policy {
			case PolicyFixed:
				if !st.hasPending {
					continue
				}
				v, ctxStr = st.pending, st.pendingCtx
				st.hasPending = false
			case PolicyIdeal:
				if time.Time(st.lastValue.Timestamp).IsZero() || now.Sub(st.lastEmit) < e.period {
					continue
				}
				v, ctxStr = st.lastValue, st.lastCtx
			}
			st.lastEmit = now
			deltas = append(deltas, model.ServerDelta{Context: ctxStr, Updates: []model.ServerDeltaUpdate{v}})
		}
	}
	return deltas
}
