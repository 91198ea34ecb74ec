// Package session implements the streaming transport's per-connection
// state machine: Opening -> Hello -> Streaming -> Closing -> Closed,
// with a parallel ServerEvents substate. One goroutine owns the
// WebSocket read side, a second owns the write side exclusively —
// gorilla/websocket connections are not safe for concurrent writers.
// The reader applies client messages directly to the session's
// mutex-guarded state and queues replies on the outbound channel that
// the writer drains.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/signalk-server/internal/broadcast"
	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/pipeline"
	"github.com/nugget/signalk-server/internal/serverevent"
	"github.com/nugget/signalk-server/internal/store"
	"github.com/nugget/signalk-server/internal/subscription"
)

// State is one of the session state machine's named states.
type State int

const (
	StateOpening State = iota
	StateHello
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "hello"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "opening"
	}
}

const (
	idleTimeout      = 5 * time.Minute
	pingInterval     = idleTimeout / 2
	closeGracePeriod = 100 * time.Millisecond
	outboundQueueCap = 256
	tickInterval     = 200 * time.Millisecond
)

// PutHandler executes a Put request routed by (context, path). The
// core is not required to execute puts; it only guarantees a response.
type PutHandler func(ctx model.Context, path model.Path, value any) (state string, statusCode int)

// Options configures how a session is wired to the server's shared
// components.
type Options struct {
	Store         *store.Store
	Pipeline      *pipeline.Pipeline
	Broadcast     *broadcast.Bus
	SelfURN       string
	ServerVersion string
	InitialMode   subscription.InitialMode
	SendCached    bool
	ServerEvents  bool
	EventSource   *serverevent.Source
	SendMeta      bool
	PutHandler    PutHandler
	Logger        *slog.Logger
}

// Session is one streaming connection's state.
type Session struct {
	id   string
	opts Options
	subs *subscription.Manager

	mu    sync.Mutex
	state State

	conn *websocket.Conn

	outbound chan []byte
	done     chan struct{}
	closeErr error

	// metaSent tracks which concrete paths have already carried a meta
	// block to this session, so SendMeta attaches it only once.
	metaSent map[string]bool

	logger *slog.Logger
}

// New creates a session in the Opening state. Call Run to drive it to
// completion; Run blocks until the connection closes.
func New(conn *websocket.Conn, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		opts:     opts,
		subs:     subscription.NewManager(opts.SelfURN),
		state:    StateOpening,
		conn:     conn,
		outbound: make(chan []byte, outboundQueueCap),
		done:     make(chan struct{}),
		metaSent: make(map[string]bool),
		logger:   logger.With("component", "session", "session_id", id),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session through Opening -> Hello -> Streaming and
// blocks until the connection closes or ctx is cancelled. It always
// returns with the session in StateClosed.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	s.subs.ApplyInitial(s.opts.InitialMode)

	busCh := s.opts.Broadcast.Subscribe(outboundQueueCap)
	defer s.opts.Broadcast.Unsubscribe(busCh)

	// eventCh stays nil (and so permanently unready in the select
	// below) unless this session asked for ServerEvents and a source
	// was wired in.
	var eventCh <-chan model.ServerEventMessage
	if s.opts.ServerEvents && s.opts.EventSource != nil {
		eventCh = s.opts.EventSource.Subscribe(outboundQueueCap)
		defer s.opts.EventSource.Unsubscribe(eventCh)
	}

	s.setState(StateHello)
	if err := s.sendHello(); err != nil {
		return err
	}

	if eventCh != nil {
		for _, ev := range s.opts.EventSource.Bootstrap() {
			s.enqueueServerEvent(ev)
		}
	}

	s.setState(StateStreaming)
	if s.opts.SendCached {
		s.replayCached()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(runCtx, cancel)
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case env := <-busCh:
			s.handleBroadcast(env)
			if drained, ok := s.opts.Broadcast.Drain(busCh); ok {
				for _, e := range drained {
					s.handleBroadcast(e)
				}
			}
		case now := <-ticker.C:
			for _, d := range s.subs.Tick(now) {
				s.enqueueServerDelta(d)
			}
		case ev := <-eventCh:
			s.enqueueServerEvent(ev)
		}
	}

	s.setState(StateClosing)
	waitCh := make(chan struct{})
	go func() { wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(closeGracePeriod):
	}

	close(s.outbound)
	s.conn.Close()
	return s.closeErr
}

func (s *Session) handleBroadcast(env broadcast.Envelope) {
	d, ok := s.subs.Evaluate(env.ContextStr, env.Delta, time.Now())
	if !ok {
		return
	}
	if s.opts.SendMeta {
		s.attachMeta(env.ContextStr, &d)
	}
	s.enqueueServerDelta(d)
}

// attachMeta fills in Meta on each update's values the first time a
// concrete path is emitted to this session, per Options.SendMeta.
func (s *Session) attachMeta(contextStr string, d *model.ServerDelta) {
	ctx := model.Context(contextStr)
	for i := range d.Updates {
		u := &d.Updates[i]
		for _, pv := range u.Values {
			key := contextStr + "\x00" + string(pv.Path)
			if s.metaSent[key] {
				continue
			}
			s.metaSent[key] = true
			if meta, ok := s.opts.Store.GetMeta(ctx, pv.Path); ok {
				if u.Meta == nil {
					u.Meta = make(map[string]any, len(meta))
				}
				for k, v := range meta {
					u.Meta[k] = v
				}
			}
		}
	}
}

func (s *Session) enqueueServerDelta(d model.ServerDelta) {
	b, err := model.EncodeServerMessage(d)
	if err != nil {
		s.logger.Error("encode server delta", "error", err)
		return
	}
	s.enqueue(b)
}

func (s *Session) enqueueServerEvent(ev model.ServerEventMessage) {
	b, err := model.EncodeServerMessage(ev)
	if err != nil {
		s.logger.Error("encode server event", "error", err)
		return
	}
	s.enqueue(b)
}

func (s *Session) enqueue(b []byte) {
	select {
	case s.outbound <- b:
	default:
		s.logger.Warn("outbound queue full, dropping frame")
	}
}

func (s *Session) sendHello() error {
	hello := model.HelloMessage{
		Name:      "signalk-server",
		Version:   s.opts.ServerVersion,
		Self:      s.opts.SelfURN,
		Roles:     []string{"master", "main"},
		Timestamp: model.WireTime(time.Now()),
	}
	b, err := model.EncodeServerMessage(hello)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) replayCached() {
	mode := store.SnapshotNone
	switch s.opts.InitialMode {
	case subscription.InitialSelf:
		mode = store.SnapshotSelf
	case subscription.InitialAll:
		mode = store.SnapshotAll
	}
	for _, d := range s.opts.Store.SnapshotInitial(mode, nil) {
		sd := model.ServerDelta{Context: string(d.Context)}
		for _, u := range d.Updates {
			ts := time.Now()
			if u.Timestamp != nil {
				ts = *u.Timestamp
			}
			sd.Updates = append(sd.Updates, model.ServerDeltaUpdate{SourceRef: u.SourceRef, Timestamp: model.WireTime(ts), Values: u.Values})
		}
		s.enqueueServerDelta(sd)
	}
}

// ErrSessionClosed is returned by Run's readLoop/writeLoop plumbing
// when the underlying transport goes away outside of a normal close
// frame.
var ErrSessionClosed = errors.New("session: connection closed")

func (s *Session) writeLoop(ctx context.Context) {
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Debug("write failed, closing", "error", err)
				return
			}
		case <-pinger.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.closeErr = nil
				} else {
					s.closeErr = fmt.Errorf("%w: %v", ErrSessionClosed, err)
				}
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		msg, err := model.DecodeClientMessage(raw)
		if err != nil {
			s.sendError(err.Error(), "")
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg model.ClientMessage) {
	switch msg.Kind {
	case model.KindSubscribe:
		warnings := s.subs.Subscribe(msg.Subscribe.Context, msg.Subscribe.Items)
		for _, w := range warnings {
			s.sendError(w, "")
		}
	case model.KindUnsubscribe:
		s.subs.Unsubscribe(msg.Subscribe.Context, msg.Subscribe.Items)
	case model.KindPut:
		s.handlePut(msg.Put)
	case model.KindDelta:
		s.opts.Pipeline.Submit(*msg.Delta, model.SourceRef("session."+s.id))
	default:
		s.sendError("unrecognized message", "")
	}
}

func (s *Session) handlePut(p *model.PutMessage) {
	state, statusCode := model.PutStateCompleted, 405
	if s.opts.PutHandler != nil {
		state, statusCode = s.opts.PutHandler(p.Context, p.Path, p.Value)
	}
	b, err := model.EncodeServerMessage(model.PutResponse{
		RequestID:  p.RequestID,
		State:      state,
		StatusCode: statusCode,
	})
	if err != nil {
		s.logger.Error("encode put response", "error", err)
		return
	}
	s.enqueue(b)
}

func (s *Session) sendError(errText, requestID string) {
	b, err := model.EncodeServerMessage(model.ErrorMessage{Error: errText, RequestID: requestID})
	if err != nil {
		s.logger.Error("encode error message", "error", err)
		return
	}
	s.enqueue(b)
}
