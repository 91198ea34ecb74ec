package store

import (
	"time"

	"github.com/nugget/signalk-server/internal/model"
)

// SnapshotMode selects which paths SnapshotInitial replays, mirroring
// the streaming transport's `subscribe` query parameter.
type SnapshotMode int

const (
	SnapshotNone SnapshotMode = iota
	SnapshotSelf
	SnapshotAll
	SnapshotSubscribed
)

// PathFilter is satisfied by a session's subscription set. It is the
// only dependency SnapshotInitial has on the subscription package,
// kept as a narrow interface so store never imports subscription.
type PathFilter interface {
	Matches(context, path string) bool
}

type leafEntry struct {
	path string
	leaf *valueNode
}

func collectLeaves(n *node, prefix string) []leafEntry {
	if n.leaf != nil {
		return []leafEntry{{path: prefix, leaf: n.leaf}}
	}
	out := make([]leafEntry, 0, len(n.children))
	for seg, child := range n.children {
		p := seg
		if prefix != "" {
			p = prefix + "." + seg
		}
		out = append(out, collectLeaves(child, p)...)
	}
	return out
}

// SnapshotInitial produces the synthetic replay deltas a session's
// `sendCachedValues` step sends on connect. One Update per leaf, each
// carrying that leaf's current primary value.
func (s *Store) SnapshotInitial(mode SnapshotMode, filter PathFilter) []model.Delta {
	if mode == SnapshotNone {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var deltas []model.Delta
	for vesselKey, root := range s.vessels {
		contextStr := "vessels." + vesselKey
		if vesselKey == s.selfVesselKey {
			contextStr = string(model.SelfContext)
		}
		if mode == SnapshotSelf && vesselKey != s.selfVesselKey {
			continue
		}

		for _, le := range collectLeaves(root, "") {
			if mode == SnapshotSubscribed {
				if filter == nil || !filter.Matches(contextStr, le.path) {
					continue
				}
			}
			ts := le.leaf.primaryTimestamp
			deltas = append(deltas, model.Delta{
				Context: model.Context(contextStr),
				Updates: []model.Update{{
					SourceRef: le.leaf.primarySource,
					Timestamp: &ts,
					Values: []model.PathValue{{
						Path:  model.Path(le.path),
						Value: le.leaf.primaryValue,
					}},
				}},
			})
		}
	}
	return deltas
}

// SetNowFunc overrides the clock PruneStaleSources uses. Tests only;
// production code relies on the time.Now default.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}
