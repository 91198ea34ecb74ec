package store

import "time"

// PruneStaleSources evicts per-source values older than olderThan. It
// runs as a separate periodic sweep rather than being folded into
// ApplyDelta. The sources index is never touched — only the per-source
// `values` entries it mirrors are reclaimed. Returns the number of
// entries evicted.
func (s *Store) PruneStaleSources(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFunc().Add(-olderThan)
	evicted := 0
	for _, root := range s.vessels {
		pruneNode(root, cutoff, &evicted)
	}
	return evicted
}

// pruneNode evicts stale source entries under n and reports whether n
// is now empty, letting the caller delete it from its own parent. The
// eviction order within a leaf's values map is unspecified by Go map
// iteration, but correctness does not depend on order: every entry
// older than cutoff is evicted regardless of which is visited first.
func pruneNode(n *node, cutoff time.Time, evicted *int) bool {
	if n.leaf != nil {
		changed := false
		for ref, e := range n.leaf.values {
			if e.timestamp.Before(cutoff) {
				delete(n.leaf.values, ref)
				*evicted++
				changed = true
			}
		}
		if len(n.leaf.values) == 0 {
			return true
		}
		if changed {
			n.leaf.electPrimary()
		}
		return false
	}

	for seg, child := range n.children {
		if pruneNode(child, cutoff, evicted) {
			delete(n.children, seg)
		}
	}
	return len(n.children) == 0
}
