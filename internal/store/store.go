// Package store owns the canonical in-memory vessel tree: a
// hierarchical JSON-shaped document keyed by vessel URN, with per-path
// multi-source bookkeeping and a derived sources index. All mutation
// goes through ApplyDelta, which the delta pipeline's single worker
// goroutine calls serially — Store's own lock exists so concurrent
// session reads never race a write, not to serialize writers against
// each other.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nugget/signalk-server/internal/model"
)

// SchemaVersion is the Signal K schema version this store implements.
const SchemaVersion = "1.7.0"

// ErrInvalidContext means a delta's context cannot be resolved to a
// single vessel (e.g. "vessels.*" or "*").
var ErrInvalidContext = errors.New("store: context does not resolve to a single vessel")

// ErrResourceExceeded means snapshot_full's traversal exceeded the
// configured node budget. On embedded targets where a full snapshot
// would exceed available heap, callers get a distinct error kind
// instead of a truncated result.
var ErrResourceExceeded = errors.New("store: snapshot exceeds configured resource budget")

// Store is the canonical tree. The zero value is not usable; use New.
type Store struct {
	mu sync.RWMutex

	selfVesselKey string // URN without the "vessels." prefix
	vessels       map[string]*node
	sources       map[string]struct{}

	seq uint64 // monotonically increasing write counter, used for primary-election tie-breaks

	// maxSnapshotNodes bounds snapshot_full's traversal; 0 means
	// unlimited. Set on embedded deployments.
	maxSnapshotNodes int

	nowFunc func() time.Time
}

// New creates a Store for the given self vessel URN (with or without
// the "vessels." prefix; either is accepted and normalized).
func New(selfURN string) *Store {
	return &Store{
		selfVesselKey: strings.TrimPrefix(selfURN, "vessels."),
		vessels:       make(map[string]*node),
		sources:       make(map[string]struct{}),
		nowFunc:       time.Now,
	}
}

// SetMaxSnapshotNodes configures the embedded resource budget described
// above. A value of 0 disables the check.
func (s *Store) SetMaxSnapshotNodes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSnapshotNodes = n
}

// SelfURN returns "vessels.<urn>", matching the store's "self" field.
func (s *Store) SelfURN() string {
	return "vessels." + s.selfVesselKey
}

// resolveVesselKey maps a delta Context to the vessel key it targets.
// Only a context addressing exactly one vessel is valid here;
// "vessels.*" and "*" are subscription-only patterns.
func (s *Store) resolveVesselKey(ctx model.Context) (string, error) {
	c := string(ctx)
	switch {
	case c == "" || c == model.SelfContext:
		return s.selfVesselKey, nil
	case c == model.AllVesselsContext || c == "*":
		return "", fmt.Errorf("%w: %q", ErrInvalidContext, c)
	case strings.HasPrefix(c, "vessels."):
		return strings.TrimPrefix(c, "vessels."), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidContext, c)
	}
}

// ApplyDelta applies every PathValue of every Update in d atomically:
// no observer can see the store between two PathValues of the same
// Update. d must already be Validate()-normalized.
func (s *Store) ApplyDelta(d model.NormalizedDelta) error {
	vesselKey, err := s.resolveVesselKey(d.Context)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.vessels[vesselKey]
	if !ok {
		root = newInteriorNode()
		s.vessels[vesselKey] = root
	}

	for _, u := range d.Updates {
		s.sources[string(u.SourceRef)] = struct{}{}
		for _, pv := range u.Values {
			s.seq++
			s.applyPathValue(root, string(pv.Path), pv.Value, u.SourceRef, u.Timestamp, s.seq)
		}
	}
	return nil
}

// applyPathValue performs one PathValue write, following the leaf-shape
// rules below.
func (s *Store) applyPathValue(root *node, path string, value any, ref model.SourceRef, ts time.Time, seq uint64) {
	segments := strings.Split(path, ".")
	setLeafRecursive(root, segments, value, ref, ts, seq)
}

// isMetaUpdate reports whether value is the special {"meta": {...}}
// slot, which updates a leaf's metadata without touching its primary
// value or source history.
func isMetaUpdate(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	meta, ok := m["meta"].(map[string]any)
	return meta, ok
}

// setLeafRecursive descends segments from n, creating interior nodes
// as needed, and reports whether n itself is now empty (so the caller
// can prune it from its own parent: a null write cascades deletion up
// through any interior node left with no children).
func setLeafRecursive(n *node, segments []string, value any, ref model.SourceRef, ts time.Time, seq uint64) bool {
	seg := segments[0]

	if len(segments) == 1 {
		mutateLeaf(n, seg, value, ref, ts, seq)
		return len(n.children) == 0
	}

	child, ok := n.children[seg]
	if !ok {
		if value == nil {
			return len(n.children) == 0
		}
		child = newInteriorNode()
		n.children[seg] = child
	}
	if child.leaf != nil {
		// A leaf already occupies a position an interior write needs to
		// pass through. Shapes never mix at one node; leave the
		// existing leaf alone rather than corrupt it.
		return len(n.children) == 0
	}

	if setLeafRecursive(child, segments[1:], value, ref, ts, seq) {
		delete(n.children, seg)
	}
	return len(n.children) == 0
}

func mutateLeaf(n *node, seg string, value any, ref model.SourceRef, ts time.Time, seq uint64) {
	child, exists := n.children[seg]

	if meta, ok := isMetaUpdate(value); ok {
		if !exists {
			child = &node{leaf: newValueNode()}
			n.children[seg] = child
		} else if child.leaf == nil {
			return // conflict: interior node where a leaf was expected
		}
		if child.leaf.meta == nil {
			child.leaf.meta = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			child.leaf.meta[k] = v
		}
		return
	}

	if value == nil {
		if !exists || child.leaf == nil {
			return
		}
		delete(child.leaf.values, ref)
		if len(child.leaf.values) == 0 {
			delete(n.children, seg)
			return
		}
		child.leaf.electPrimary()
		return
	}

	if !exists {
		child = &node{leaf: newValueNode()}
		n.children[seg] = child
	} else if child.leaf == nil {
		return // conflict: interior node where a leaf was expected
	}
	child.leaf.values[ref] = &sourceEntry{value: value, timestamp: ts, seq: seq}
	child.leaf.electPrimary()
}

// GetPath resolves ctx and descends path, returning the leaf's value
// node in wire shape (value, $source, timestamp, values, and meta when
// set) or the interior subtree, JSON-shaped, and whether anything was
// found there.
func (s *Store) GetPath(ctx model.Context, path model.Path) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vesselKey, err := s.resolveVesselKey(ctx)
	if err != nil {
		return nil, false
	}
	root, ok := s.vessels[vesselKey]
	if !ok {
		return nil, false
	}

	var segments []string
	if path != "" {
		segments = strings.Split(string(path), ".")
	}
	n := root.get(segments)
	if n == nil {
		return nil, false
	}
	if n.leaf != nil {
		return n.leaf.toJSON(), true
	}
	return n.toJSON(), true
}

// GetMeta returns the metadata map attached to the leaf at ctx/path by
// a {"meta": {...}} update, if any.
func (s *Store) GetMeta(ctx model.Context, path model.Path) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vesselKey, err := s.resolveVesselKey(ctx)
	if err != nil {
		return nil, false
	}
	root, ok := s.vessels[vesselKey]
	if !ok {
		return nil, false
	}
	var segments []string
	if path != "" {
		segments = strings.Split(string(path), ".")
	}
	n := root.get(segments)
	if n == nil || n.leaf == nil || len(n.leaf.meta) == 0 {
		return nil, false
	}
	return n.leaf.meta, true
}

// SnapshotFull returns a deep, consistent read of the whole document:
// {version, self, vessels, sources}.
func (s *Store) SnapshotFull() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.maxSnapshotNodes > 0 {
		count := 0
		for _, root := range s.vessels {
			count += countNodes(root)
			if count > s.maxSnapshotNodes {
				return nil, ErrResourceExceeded
			}
		}
	}

	vessels := make(map[string]any, len(s.vessels))
	for urn, root := range s.vessels {
		vessels[urn] = root.toJSON()
	}

	return map[string]any{
		"version": SchemaVersion,
		"self":    s.SelfURN(),
		"vessels": vessels,
		"sources": s.sourcesTreeLocked(),
	}, nil
}

func countNodes(n *node) int {
	if n.leaf != nil {
		return 1
	}
	total := 0
	for _, c := range n.children {
		total += countNodes(c)
	}
	return total
}

// Sources returns the flattened set of every $source ever observed.
// Callers that need the nested JSON shape should use SnapshotFull
// instead.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sources))
	for src := range s.sources {
		out = append(out, src)
	}
	return out
}

// HasSource reports whether src has ever been observed.
func (s *Store) HasSource(src string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sources[src]
	return ok
}

func (s *Store) sourcesTreeLocked() map[string]any {
	root := newInteriorNode()
	for src := range s.sources {
		segments := strings.Split(src, ".")
		parent, last := root.walkToParent(segments)
		if _, ok := parent.children[last]; !ok {
			parent.children[last] = &node{children: map[string]*node{}}
		}
	}
	return root.toJSON().(map[string]any)
}

// NumberOfAvailablePaths counts value-node leaves across every vessel,
// for SERVERSTATISTICS.
func (s *Store) NumberOfAvailablePaths() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, root := range s.vessels {
		total += countNodes(root)
	}
	return total
}
