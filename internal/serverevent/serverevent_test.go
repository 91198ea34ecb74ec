package serverevent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/signalk-server/internal/broadcast"
	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/pipeline"
	"github.com/nugget/signalk-server/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProviders struct {
	stats []ProviderStats
}

func (f *fakeProviders) ProviderStatuses() []ProviderStats { return f.stats }

func newTestSource(t *testing.T, providers ProviderStatusSource) (*Source, *pipeline.Pipeline) {
	t.Helper()
	st := store.New("vessels.urn:mrn:signalk:uuid:test")
	bus := broadcast.New()
	pl := pipeline.New(st, bus, 8, nil, discardLogger())
	src := New(Options{
		Store:     st,
		Pipeline:  pl,
		Bus:       bus,
		Providers: providers,
		Vessel:    VesselInfo{UUID: "urn:mrn:signalk:uuid:test"},
		Version:   "1.7.0",
		Logger:    discardLogger(),
	})
	return src, pl
}

func TestBootstrapSequenceOrderAndTags(t *testing.T) {
	src, _ := newTestSource(t, nil)
	want := []string{
		"VESSEL_INFO", "PROVIDERSTATUS", "SERVERSTATISTICS",
		"DEBUG_SETTINGS", "RECEIVE_LOGIN_STATUS", "SOURCEPRIORITIES",
	}
	got := src.Bootstrap()
	if len(got) != len(want) {
		t.Fatalf("Bootstrap() = %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d type = %q, want %q", i, ev.Type, want[i])
		}
	}
}

func TestTickPublishesStatisticsToSubscribers(t *testing.T) {
	src, pl := newTestSource(t, nil)
	ch := src.Subscribe(4)
	defer src.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	pl.Start(ctx)
	defer func() { cancel(); pl.Wait() }()

	pl.Submit(model.Delta{Updates: []model.Update{{Values: []model.PathValue{
		{Path: "navigation.speedOverGround", Value: 1.0},
	}}}}, "test.src")
	time.Sleep(20 * time.Millisecond)

	src.tick()

	select {
	case ev := <-ch:
		if ev.Type != "SERVERSTATISTICS" {
			t.Fatalf("event type = %q, want SERVERSTATISTICS", ev.Type)
		}
		stats, ok := ev.Data.(serverStatistics)
		if !ok {
			t.Fatalf("event data type = %T, want serverStatistics", ev.Data)
		}
		if stats.NumberOfAvailablePaths != 1 {
			t.Errorf("numberOfAvailablePaths = %d, want 1", stats.NumberOfAvailablePaths)
		}
		if stats.DeltaRate <= 0 {
			t.Errorf("deltaRate = %v, want > 0 after one applied delta", stats.DeltaRate)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SERVERSTATISTICS")
	}
}

func TestProviderStatusOnlyPublishedOnChange(t *testing.T) {
	providers := &fakeProviders{stats: []ProviderStats{{ID: "mqtt.main", DeltaCount: 1}}}
	src, _ := newTestSource(t, providers)
	ch := src.Subscribe(8)
	defer src.Unsubscribe(ch)

	src.tick()
	drain := func() []model.ServerEventMessage {
		var out []model.ServerEventMessage
		for {
			select {
			case ev := <-ch:
				out = append(out, ev)
			default:
				return out
			}
		}
	}
	first := drain()
	sawProviderStatus := false
	for _, ev := range first {
		if ev.Type == "PROVIDERSTATUS" {
			sawProviderStatus = true
		}
	}
	if !sawProviderStatus {
		t.Fatal("expected PROVIDERSTATUS on first tick")
	}

	src.tick() // same provider snapshot: no change
	second := drain()
	for _, ev := range second {
		if ev.Type == "PROVIDERSTATUS" {
			t.Error("PROVIDERSTATUS republished with no change in provider stats")
		}
	}

	providers.stats = []ProviderStats{{ID: "mqtt.main", DeltaCount: 2}}
	src.tick()
	third := drain()
	sawChange := false
	for _, ev := range third {
		if ev.Type == "PROVIDERSTATUS" {
			sawChange = true
		}
	}
	if !sawChange {
		t.Error("expected PROVIDERSTATUS after provider stats changed")
	}
}

func TestLogGatedByDebugNamespace(t *testing.T) {
	st := store.New("vessels.urn:mrn:signalk:uuid:test")
	bus := broadcast.New()
	pl := pipeline.New(st, bus, 8, nil, discardLogger())
	src := New(Options{
		Store:        st,
		Pipeline:     pl,
		Bus:          bus,
		DebugEnabled: func(ns string) bool { return ns == "server:stats" },
		Logger:       discardLogger(),
	})
	ch := src.Subscribe(4)
	defer src.Unsubscribe(ch)

	src.Log("provider:mqtt", "should not publish")
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for disabled namespace: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	src.Log("server:stats", "enabled namespace")
	select {
	case ev := <-ch:
		if ev.Type != "LOG" {
			t.Errorf("type = %q, want LOG", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for LOG event")
	}
}
