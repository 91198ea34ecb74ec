package mqtt

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/signalk-server/internal/broadcast"
	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/pipeline"
	"github.com/nugget/signalk-server/internal/store"
)

const testSelf = "vessels.urn:mrn:signalk:uuid:c0d79334-4e25-4245-8892-54e8ccc8021d"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestBridge(t *testing.T) (*Bridge, *pipeline.Pipeline) {
	t.Helper()
	st := store.New(testSelf)
	bus := broadcast.New()
	pl := pipeline.New(st, bus, 16, nil, discardLogger())
	pl.Start(context.Background())
	t.Cleanup(pl.Wait)

	b := New(Config{Broker: "tcp://localhost:1883", ClientID: "test-client", RateLimit: 10, Interval: time.Second}, pl, discardLogger())
	return b, pl
}

func validDeltaPayload() []byte {
	return []byte(`{
		"context": "vessels.urn:mrn:signalk:uuid:c0d79334-4e25-4245-8892-54e8ccc8021d",
		"updates": [{
			"source": {"label": "nmea0183-bridge"},
			"timestamp": "2026-07-29T12:00:00Z",
			"values": [{"path": "navigation.speedOverGround", "value": 4.5}]
		}]
	}`)
}

func TestHandleMessageDecodesAndSubmits(t *testing.T) {
	b, pl := newTestBridge(t)

	b.handleMessage("signalk/vessels/self/delta", validDeltaPayload(), model.SourceRef("mqtt.test-client"))

	deadline := time.After(time.Second)
	for {
		stats := pl.Stats()
		if stats.Applied == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delta was not applied: stats = %+v", stats)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := b.received.Load(); got != 1 {
		t.Errorf("received = %d, want 1", got)
	}
	if got := b.decodeFail.Load(); got != 0 {
		t.Errorf("decodeFail = %d, want 0", got)
	}
}

func TestHandleMessageCountsDecodeFailures(t *testing.T) {
	b, pl := newTestBridge(t)

	b.handleMessage("signalk/vessels/self/delta", []byte("not json"), model.SourceRef("mqtt.test-client"))

	if got := b.decodeFail.Load(); got != 1 {
		t.Errorf("decodeFail = %d, want 1", got)
	}
	if stats := pl.Stats(); stats.Applied != 0 {
		t.Errorf("Applied = %d, want 0 (malformed payload must never reach the pipeline)", stats.Applied)
	}

	statuses := b.ProviderStatuses()
	if len(statuses) != 1 {
		t.Fatalf("ProviderStatuses() len = %d, want 1", len(statuses))
	}
	if statuses[0].LastError == "" {
		t.Error("ProviderStatuses()[0].LastError is empty after a decode failure")
	}
}

func TestRateLimiterDropsOverLimitMessages(t *testing.T) {
	b, pl := newTestBridge(t)
	b.cfg.RateLimit = 2
	b.cfg.Interval = time.Minute

	for i := 0; i < 5; i++ {
		if b.allowPublish() {
			b.handleMessage("signalk/vessels/self/delta", validDeltaPayload(), model.SourceRef("mqtt.test-client"))
		}
	}

	if got := b.received.Load(); got != 2 {
		t.Errorf("received = %d, want 2 (rate limit should have allowed only 2 of 5)", got)
	}
	if got := b.rateDropped.Load(); got != 3 {
		t.Errorf("rateDropped = %d, want 3", got)
	}
	_ = pl
}

func TestProviderStatusesReflectsReceivedCount(t *testing.T) {
	b, _ := newTestBridge(t)

	b.handleMessage("signalk/vessels/self/delta", validDeltaPayload(), model.SourceRef("mqtt.test-client"))
	b.handleMessage("signalk/vessels/self/delta", validDeltaPayload(), model.SourceRef("mqtt.test-client"))

	statuses := b.ProviderStatuses()
	if len(statuses) != 1 {
		t.Fatalf("ProviderStatuses() len = %d, want 1", len(statuses))
	}
	if statuses[0].ID != "test-client" {
		t.Errorf("ProviderStatuses()[0].ID = %q, want %q", statuses[0].ID, "test-client")
	}
	if statuses[0].DeltaCount != 2 {
		t.Errorf("ProviderStatuses()[0].DeltaCount = %d, want 2", statuses[0].DeltaCount)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Broker: "tcp://localhost:1883"}.withDefaults()
	if cfg.ClientID != "signalk-bridge" {
		t.Errorf("ClientID default = %q, want %q", cfg.ClientID, "signalk-bridge")
	}
	if cfg.TopicFilter != "signalk/+/+/delta" {
		t.Errorf("TopicFilter default = %q, want %q", cfg.TopicFilter, "signalk/+/+/delta")
	}
	if cfg.RateLimit != 200 {
		t.Errorf("RateLimit default = %d, want 200", cfg.RateLimit)
	}
	if cfg.Interval != time.Second {
		t.Errorf("Interval default = %v, want 1s", cfg.Interval)
	}
}
