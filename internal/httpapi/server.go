// Package httpapi exposes the store and the streaming transport over
// HTTP: the Signal K discovery document, REST reads of the vessel
// tree, a WebSocket upgrade into a new session, and a liveness probe.
// Routing uses the standard library's method+pattern ServeMux — no
// third-party router is wired in; every route here is a plain
// method+path match the 1.22+ mux already covers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/signalk-server/internal/buildinfo"
	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/session"
	"github.com/nugget/signalk-server/internal/store"
)

// writeJSON encodes v as JSON to w, logging any write failure at debug
// level — typically just a client disconnecting mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, logger *slog.Logger, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"message":    message,
		"statusCode": code,
	}); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// SessionOptionsFunc builds the per-connection session.Options for a
// newly upgraded WebSocket. It is called once per connection so every
// session gets its own PutHandler closures and query-derived settings.
type SessionOptionsFunc func(r *http.Request) session.Options

// Server is the HTTP surface: discovery, REST reads, the streaming
// upgrade, and a health probe.
type Server struct {
	address string
	store   *store.Store
	sessOpt SessionOptionsFunc
	logger  *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
}

// Config configures a Server. SessionOptions is called once per
// WebSocket upgrade and is responsible for wiring that session's
// Store/Pipeline/Broadcast/EventSource/PutHandler — the server itself
// only needs Store for the REST read paths.
type Config struct {
	Address        string
	Store          *store.Store
	SessionOptions SessionOptionsFunc
	Logger         *slog.Logger
}

// New creates a Server but does not begin listening. Call Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		store:   cfg.Store,
		sessOpt: cfg.SessionOptions,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// stops (normally via Shutdown, which returns http.ErrServerClosed).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /signalk", s.handleDiscovery)
	mux.HandleFunc("GET /signalk/v1/api", s.handleAPIRoot)
	mux.HandleFunc("GET /signalk/v1/api/{path...}", s.handleAPIPath)
	mux.HandleFunc("GET /signalk/v1/stream", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming connections are long-lived
	}

	s.logger.Info("starting http server", "address", s.address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleDiscovery serves the Signal K root discovery document.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"endpoints": map[string]any{
			"v1": map[string]any{
				"version":      store.SchemaVersion,
				"signalk-http": "/signalk/v1/api",
				"signalk-ws":   "/signalk/v1/stream",
			},
		},
		"server": map[string]any{
			"id":      "signalk-server",
			"version": buildinfo.Version,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"uptime":  buildinfo.Uptime().String(),
		"version": buildinfo.Version,
	}, s.logger)
}

// handleAPIRoot serves a full document snapshot at the API root.
func (s *Server) handleAPIRoot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.SnapshotFull()
	if err != nil {
		if errors.Is(err, store.ErrResourceExceeded) {
			errorResponse(w, s.logger, http.StatusServiceUnavailable, "snapshot exceeds configured resource budget")
			return
		}
		errorResponse(w, s.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, snap, s.logger)
}

// handleAPIPath serves the value (or subtree) at a dotted path under
// a vessel (self or vessels/<urn>), e.g.
// GET /signalk/v1/api/vessels/self/navigation/speedOverGround.
func (s *Server) handleAPIPath(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	ctx, leafPath := splitContextAndPath(path)

	v, ok := s.store.GetPath(ctx, leafPath)
	if !ok {
		errorResponse(w, s.logger, http.StatusNotFound, "path not found")
		return
	}
	writeJSON(w, v, s.logger)
}

// splitContextAndPath maps a REST path like
// "vessels/self/navigation/speedOverGround" into (context, path) the
// way spec.md's GetPath resolves: the leading "vessels/<urn-or-self>"
// segment becomes the context, everything after it becomes the dotted
// leaf path under that vessel.
func splitContextAndPath(restPath string) (model.Context, model.Path) {
	segs := splitSlash(restPath)
	if len(segs) == 0 {
		return model.SelfContext, ""
	}
	if segs[0] == "vessels" && len(segs) >= 2 {
		ctx := model.Context("vessels." + segs[1])
		if segs[1] == "self" {
			ctx = model.SelfContext
		}
		return ctx, model.Path(joinDot(segs[2:]))
	}
	return model.SelfContext, model.Path(joinDot(segs))
}

func splitSlash(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func joinDot(segs []string) string {
	out := ""
	for i, seg := range segs {
		if i > 0 {
			out += "."
		}
		out += seg
	}
	return out
}

// handleStream upgrades the connection to WebSocket and runs a new
// streaming session until the client disconnects or the server shuts
// down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	opts := s.sessOpt(r)
	sess := session.New(conn, opts)
	s.logger.Info("stream session opened", "session", uuid.NewString(), "remote", r.RemoteAddr)
	if err := sess.Run(r.Context()); err != nil {
		s.logger.Debug("stream session ended", "error", err)
	}
}
