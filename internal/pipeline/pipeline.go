// Package pipeline serializes every delta submission onto the store
// through a single worker goroutine, running each through a configured
// interception chain before validating, applying, and broadcasting it.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/signalk-server/internal/broadcast"
	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/store"
)

// Verdict is what an InputHandler decides for one delta.
type Verdict int

const (
	// Pass lets the (possibly rewritten) delta continue down the chain.
	Pass Verdict = iota
	// Drop discards the delta; no later handler runs and it is never
	// applied or broadcast.
	Drop
)

// InputHandler inspects or rewrites a delta before it reaches the
// store. Handlers are pure functions over the delta — no I/O — and run
// serially on the pipeline worker goroutine, so a slow handler stalls
// every provider.
type InputHandler func(model.Delta) (model.Delta, Verdict)

// submission is one item of the ingress queue.
type submission struct {
	delta         model.Delta
	defaultSource model.SourceRef
}

// Stats is a snapshot of pipeline counters, reported via the
// server-event statistics stream.
type Stats struct {
	IngressDropped uint64
	Applied        uint64
	Rejected       uint64
}

// Pipeline owns the ingress queue and the single worker goroutine that
// drains it.
type Pipeline struct {
	store    *store.Store
	bus      *broadcast.Bus
	handlers []InputHandler
	logger   *slog.Logger
	nowFunc  func() time.Time

	ingress chan submission

	ingressDropped atomic.Uint64
	applied        atomic.Uint64
	rejected       atomic.Uint64

	wg sync.WaitGroup
}

// New creates a Pipeline with a bounded ingress queue of the given
// capacity. A nil logger is replaced with slog.Default.
func New(st *store.Store, bus *broadcast.Bus, capacity int, handlers []InputHandler, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		bus:      bus,
		handlers: handlers,
		logger:   logger,
		nowFunc:  time.Now,
		ingress:  make(chan submission, capacity),
	}
}

// Submit enqueues a delta from a provider (parser, plugin, or a client
// session acting as provider), tagging it with that provider's default
// $source. Non-blocking: on overflow the oldest queued item is dropped
// to make room, and the ingress-dropped counter is incremented.
func (p *Pipeline) Submit(d model.Delta, defaultSource model.SourceRef) {
	sub := submission{delta: d, defaultSource: defaultSource}
	select {
	case p.ingress <- sub:
		return
	default:
	}

	select {
	case <-p.ingress:
		p.ingressDropped.Add(1)
	default:
	}
	select {
	case p.ingress <- sub:
	default:
		p.ingressDropped.Add(1)
	}
}

// Start launches the worker goroutine. It returns immediately; the
// worker runs until ctx is cancelled. Call Wait to block until it has
// fully stopped.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Wait blocks until the worker goroutine started by Start has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-p.ingress:
			p.process(sub)
		}
	}
}

// process runs one submission through the interception chain, then
// validates and applies it, then broadcasts the applied form. Deltas
// from a single provider are applied in submission order because a
// single goroutine drains the queue; across providers, application
// order is simply dequeue order.
func (p *Pipeline) process(sub submission) {
	d := sub.delta
	for _, h := range p.handlers {
		var verdict Verdict
		var rewritten model.Delta
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("delta interception handler panicked",
						"panic", r,
					)
					verdict = Pass
					rewritten = d
				}
			}()
			rewritten, verdict = h(d)
		}()
		if verdict == Drop {
			return
		}
		d = rewritten
	}

	nd, err := model.Validate(d, p.nowFunc(), sub.defaultSource)
	if err != nil {
		p.rejected.Add(1)
		p.logger.Debug("delta rejected by validation", "error", err)
		return
	}

	if err := p.store.ApplyDelta(nd); err != nil {
		p.rejected.Add(1)
		p.logger.Debug("delta rejected by store", "error", err)
		return
	}
	p.applied.Add(1)

	p.bus.Publish(broadcast.Envelope{ContextStr: string(nd.Context), Delta: nd})
}

// Stats returns a snapshot of the running counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		IngressDropped: p.ingressDropped.Load(),
		Applied:        p.applied.Load(),
		Rejected:       p.rejected.Load(),
	}
}

// SetNowFunc overrides the clock used to stamp validated deltas. Tests
// only.
func (p *Pipeline) SetNowFunc(f func() time.Time) {
	p.nowFunc = f
}
