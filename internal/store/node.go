package store

import (
	"time"

	"github.com/nugget/signalk-server/internal/model"
)

// node is one position in a vessel's tree. It is either an interior
// node (children non-nil, leaf nil) or a value node (leaf non-nil,
// children nil). The two never mix at one position; this type makes
// that structurally true rather than merely documented — there is
// exactly one non-nil field to branch on.
type node struct {
	children map[string]*node
	leaf     *valueNode
}

func newInteriorNode() *node {
	return &node{children: make(map[string]*node)}
}

// valueNode is a leaf: the primary (elected) value plus the full
// per-source history it was elected from.
type valueNode struct {
	primaryValue     any
	primarySource    model.SourceRef
	primaryTimestamp time.Time
	meta             map[string]any
	values           map[model.SourceRef]*sourceEntry
}

// sourceEntry is one source's contribution to a value node. The entry
// with the latest update timestamp is primary; seq breaks timestamp
// ties by monotonic arrival order, preserving last-writer-wins even
// when two sources report the same timestamp.
type sourceEntry struct {
	value     any
	timestamp time.Time
	seq       uint64
}

func newValueNode() *valueNode {
	return &valueNode{values: make(map[model.SourceRef]*sourceEntry)}
}

// electPrimary recomputes the primary slot from the current values
// map. Called after every insert or removal. A value node with an
// empty values map has no valid primary; callers must remove such
// leaves rather than call electPrimary on them.
func (v *valueNode) electPrimary() {
	var bestRef model.SourceRef
	var best *sourceEntry
	for ref, e := range v.values {
		if best == nil ||
			e.timestamp.After(best.timestamp) ||
			(e.timestamp.Equal(best.timestamp) && e.seq > best.seq) {
			best = e
			bestRef = ref
		}
	}
	if best == nil {
		v.primaryValue = nil
		v.primarySource = ""
		v.primaryTimestamp = time.Time{}
		return
	}
	v.primaryValue = best.value
	v.primarySource = bestRef
	v.primaryTimestamp = best.timestamp
}

// toJSON renders a value node in its wire shape.
func (v *valueNode) toJSON() map[string]any {
	out := map[string]any{
		"value":     v.primaryValue,
		"$source":   string(v.primarySource),
		"timestamp": v.primaryTimestamp.UTC().Format(msTimeFormat),
	}
	if len(v.meta) > 0 {
		out["meta"] = v.meta
	}
	values := make(map[string]any, len(v.values))
	for ref, e := range v.values {
		values[string(ref)] = map[string]any{
			"value":     e.value,
			"timestamp": e.timestamp.UTC().Format(msTimeFormat),
		}
	}
	out["values"] = values
	return out
}

// msTimeFormat renders RFC 3339 with millisecond precision.
const msTimeFormat = "2006-01-02T15:04:05.000Z0700"

// toJSON renders an interior node recursively.
func (n *node) toJSON() any {
	if n.leaf != nil {
		return n.leaf.toJSON()
	}
	out := make(map[string]any, len(n.children))
	for k, child := range n.children {
		out[k] = child.toJSON()
	}
	return out
}

// walkToParent descends to the child at each successive segment, creating interior
// nodes as needed, stopping one short of the final segment. Returns
// the parent of the leaf and the final segment name.
func (n *node) walkToParent(segments []string) (*node, string) {
	cur := n
	for _, seg := range segments[:len(segments)-1] {
		child, ok := cur.children[seg]
		if !ok {
			child = newInteriorNode()
			cur.children[seg] = child
		}
		cur = child
	}
	return cur, segments[len(segments)-1]
}

// get descends segments from n, returning the node reached or nil.
func (n *node) get(segments []string) *node {
	cur := n
	for _, seg := range segments {
		if cur.children == nil {
			return nil
		}
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
