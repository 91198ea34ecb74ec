// Package serverevent implements the process-wide periodic task that
// feeds the ServerEvents substate: 1 Hz SERVERSTATISTICS, on-change
// PROVIDERSTATUS, and on-demand LOG records for operator debug
// namespaces. It never writes to the store.
package serverevent

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/signalk-server/internal/broadcast"
	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/pipeline"
	"github.com/nugget/signalk-server/internal/store"
)

// ProviderStats is one provider's statistics row, as surfaced by a
// ProviderStatusSource.
type ProviderStats struct {
	ID         string `json:"id"`
	DeltaRate  float64 `json:"deltaRate"`
	DeltaCount uint64  `json:"deltaCount"`
	LastError  string  `json:"lastError,omitempty"`
}

// ProviderStatusSource is implemented by anything that can report a
// snapshot of its provider tasks' health, e.g. the MQTT bridge
// registry. Nil is a valid Options.Providers: PROVIDERSTATUS is simply
// never emitted.
type ProviderStatusSource interface {
	ProviderStatuses() []ProviderStats
}

// VesselInfo is the fixed identity data reported in the VESSEL_INFO
// bootstrap record.
type VesselInfo struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
	MMSI string `json:"mmsi,omitempty"`
}

// serverStatistics is the SERVERSTATISTICS event payload.
type serverStatistics struct {
	DeltaRate              float64         `json:"deltaRate"`
	DeltaDropRate          float64         `json:"deltaDropRate"`
	NumberOfAvailablePaths int             `json:"numberOfAvailablePaths"`
	WsClients              int             `json:"wsClients"`
	ProviderStatistics     []ProviderStats `json:"providerStatistics"`
	Uptime                 float64         `json:"uptime"`
}

// Options configures a Source.
type Options struct {
	Store     *store.Store
	Pipeline  *pipeline.Pipeline
	Bus       *broadcast.Bus // wsClients is read from its subscriber count
	Providers ProviderStatusSource
	Vessel    VesselInfo
	Version   string

	// DebugEnabled reports whether the named debug namespace is
	// currently turned on. A nil func means no namespace is ever
	// enabled, matching a server with no debug configuration.
	DebugEnabled func(namespace string) bool

	Logger *slog.Logger
}

// Source runs the 1 Hz statistics tick and fans ServerEvents frames
// out to every session that asked for them.
type Source struct {
	opts      Options
	startedAt time.Time
	nowFunc   func() time.Time

	mu           sync.RWMutex
	subs         map[chan model.ServerEventMessage]struct{}
	lastApplied  uint64
	lastDropped  uint64
	deltaRate    float64
	dropRate     float64
	lastProvider []ProviderStats

	logger *slog.Logger
}

// emaAlpha weights the most recent 1-second sample against the running
// rate. Smaller values smooth harder; this value settles to within 5%
// of a step change in about 6 ticks.
const emaAlpha = 0.4

// New creates a server-event source. Call Run to start its ticker.
func New(opts Options) *Source {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DebugEnabled == nil {
		opts.DebugEnabled = func(string) bool { return false }
	}
	return &Source{
		opts:      opts,
		startedAt: time.Now(),
		nowFunc:   time.Now,
		subs:      make(map[chan model.ServerEventMessage]struct{}),
		logger:    logger.With("component", "serverevent"),
	}
}

// Subscribe returns a channel that receives every published
// ServerEvents frame. The caller must call Unsubscribe when the
// session closes.
func (s *Source) Subscribe(bufSize int) <-chan model.ServerEventMessage {
	ch := make(chan model.ServerEventMessage, bufSize)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscription.
func (s *Source) Unsubscribe(ch <-chan model.ServerEventMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sendCh := range s.subs {
		if (<-chan model.ServerEventMessage)(sendCh) == ch {
			delete(s.subs, sendCh)
			close(sendCh)
			return
		}
	}
}

func (s *Source) publish(msg model.ServerEventMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.logger.Warn("server-event subscriber queue full, dropping frame", "type", msg.Type)
		}
	}
}

// Bootstrap returns the fixed sequence of events a session in the
// ServerEvents substate is sent once, immediately after Hello:
// VESSEL_INFO, PROVIDERSTATUS, SERVERSTATISTICS, DEBUG_SETTINGS,
// RECEIVE_LOGIN_STATUS, SOURCEPRIORITIES.
func (s *Source) Bootstrap() []model.ServerEventMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return []model.ServerEventMessage{
		{Type: "VESSEL_INFO", Data: s.opts.Vessel},
		{Type: "PROVIDERSTATUS", Data: s.providerStatusesLocked()},
		{Type: "SERVERSTATISTICS", Data: s.statisticsLocked()},
		{Type: "DEBUG_SETTINGS", Data: map[string]any{"debugEnabled": ""}},
		{Type: "RECEIVE_LOGIN_STATUS", Data: map[string]any{"status": "notLoggedIn"}},
		{Type: "SOURCEPRIORITIES", Data: []any{}},
	}
}

// Run drives the 1 Hz tick until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Source) tick() {
	s.mu.Lock()
	stats := s.opts.Pipeline.Stats()
	deltaSample := stats.Applied - s.lastApplied
	dropSample := stats.IngressDropped - s.lastDropped
	s.lastApplied = stats.Applied
	s.lastDropped = stats.IngressDropped
	s.deltaRate = emaAlpha*float64(deltaSample) + (1-emaAlpha)*s.deltaRate
	s.dropRate = emaAlpha*float64(dropSample) + (1-emaAlpha)*s.dropRate

	providerSnapshot := s.providerStatusesLocked()
	providerChanged := !reflect.DeepEqual(providerSnapshot, s.lastProvider)
	s.lastProvider = providerSnapshot

	payload := s.statisticsLocked()
	s.mu.Unlock()

	s.publish(model.ServerEventMessage{Type: "SERVERSTATISTICS", Data: payload})
	if providerChanged {
		s.publish(model.ServerEventMessage{Type: "PROVIDERSTATUS", Data: providerSnapshot})
	}

	if s.opts.DebugEnabled("server:stats") {
		s.logger.Info("server statistics",
			"deltaRate", fmt.Sprintf("%.1f/s", payload.DeltaRate),
			"deltaDropRate", fmt.Sprintf("%.1f/s", payload.DeltaDropRate),
			"paths", payload.NumberOfAvailablePaths,
			"wsClients", payload.WsClients,
			"uptime", humanize.Time(s.startedAt),
		)
	}
}

func (s *Source) statisticsLocked() serverStatistics {
	return serverStatistics{
		DeltaRate:              s.deltaRate,
		DeltaDropRate:          s.dropRate,
		NumberOfAvailablePaths: s.opts.Store.NumberOfAvailablePaths(),
		WsClients:              s.opts.Bus.SubscriberCount(),
		ProviderStatistics:     s.lastProvider,
		Uptime:                 s.nowFunc().Sub(s.startedAt).Seconds(),
	}
}

func (s *Source) providerStatusesLocked() []ProviderStats {
	if s.opts.Providers == nil {
		return nil
	}
	return s.opts.Providers.ProviderStatuses()
}

// Log publishes a LOG server-event when namespace is enabled. Intended
// for ad hoc operator-triggered diagnostics, not the structured
// component logger.
func (s *Source) Log(namespace, message string) {
	if !s.opts.DebugEnabled(namespace) {
		return
	}
	s.publish(model.ServerEventMessage{Type: "LOG", Data: map[string]string{
		"namespace": namespace,
		"message":   message,
	}})
}

// SetNowFunc overrides the clock used for uptime reporting. Tests only.
func (s *Source) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}
