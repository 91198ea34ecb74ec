// Package broadcast fans applied deltas out from the pipeline worker to
// every active session. One bus per server process; one subscription
// per session. A lagging subscriber never blocks the publisher — its
// queue is replaced with a coalesced latest-value-per-path snapshot
// instead of growing unbounded or stalling the pipeline.
package broadcast

import (
	"sync"

	"github.com/nugget/signalk-server/internal/model"
)

// Envelope pairs an applied delta with the resolved context string it
// was applied under, so a session's subscription evaluation never has
// to re-resolve "vessels.self" against the store.
type Envelope struct {
	ContextStr string
	Delta      model.NormalizedDelta
}

// Bus is a non-blocking broadcast channel. The zero value is not
// usable; use New. Nil-safe: Publish on a nil *Bus is a no-op so the
// pipeline worker never needs a guard check before the bus is wired.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Envelope]*lagState
}

// lagState tracks whether a subscriber's queue has overflowed and, if
// so, the coalesced "latest value per path" replacement to hand it
// instead of the dropped backlog.
type lagState struct {
	lagging bool
	latest  map[string]Envelope // "context\x00path" -> most recent envelope touching it
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Envelope]*lagState)}
}

// Subscribe returns a channel of bufSize capacity that receives every
// published envelope. The caller must call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Envelope {
	ch := make(chan Envelope, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &lagState{latest: make(map[string]Envelope)}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call on an already-removed channel.
func (b *Bus) Unsubscribe(ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sendCh := range b.subs {
		if (<-chan Envelope)(sendCh) == ch {
			delete(b.subs, sendCh)
			close(sendCh)
			return
		}
	}
}

// Publish delivers e to every subscriber. A subscriber whose channel is
// full is marked lagging: the envelope is folded into that
// subscriber's coalesced per-path snapshot instead of being dropped
// outright, and is delivered as a single catch-up burst the next time
// that subscriber's channel has room (via Drain).
func (b *Bus) Publish(e Envelope) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, st := range b.subs {
		if st.lagging {
			st.coalesce(e)
			continue
		}
		select {
		case ch <- e:
		default:
			st.lagging = true
			st.coalesce(e)
		}
	}
}

func (st *lagState) coalesce(e Envelope) {
	for _, u := range e.Delta.Updates {
		for _, pv := range u.Values {
			key := e.ContextStr + "\x00" + string(pv.Path)
			st.latest[key] = Envelope{
				ContextStr: e.ContextStr,
				Delta: model.NormalizedDelta{
					Context: e.Delta.Context,
					Updates: []model.NormalizedUpdate{{
						SourceRef: u.SourceRef,
						Timestamp: u.Timestamp,
						Values:    []model.PathValue{pv},
					}},
				},
			}
		}
	}
}

// Drain reports whether ch's subscriber is currently lagging and, if
// so, returns its coalesced catch-up envelopes and clears the lagging
// flag. Sessions call this after each envelope they receive, to
// recover with "latest value per path" rather than the full dropped
// backlog.
func (b *Bus) Drain(ch <-chan Envelope) ([]Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sendCh, st := range b.subs {
		if (<-chan Envelope)(sendCh) != ch {
			continue
		}
		if !st.lagging {
			return nil, false
		}
		out := make([]Envelope, 0, len(st.latest))
		for _, env := range st.latest {
			out = append(out, env)
		}
		st.lagging = false
		st.latest = make(map[string]Envelope)
		return out, true
	}
	return nil, false
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
