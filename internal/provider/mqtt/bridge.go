// Package mqtt turns MQTT publishes into deltas fed to the ingress
// pipeline. The pipeline never knows a delta came from MQTT — this
// package is strictly a provider task sitting in front of
// [pipeline.Pipeline.Submit].
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/signalk-server/internal/model"
	"github.com/nugget/signalk-server/internal/pipeline"
	"github.com/nugget/signalk-server/internal/serverevent"
)

// Config is the bridge's connection and subscription configuration.
type Config struct {
	// Broker is a URL such as "tcp://localhost:1883" or
	// "mqtts://broker.example:8883". The mqtts/ssl schemes enable TLS.
	Broker string
	// Username and Password authenticate the connection. Both optional.
	Username string
	Password string
	// ClientID identifies this connection to the broker. If empty, a
	// default of "signalk-bridge" is used.
	ClientID string
	// TopicFilter is the MQTT subscription filter. Defaults to
	// "signalk/+/+/delta" (two single-level wildcard segments). Topic
	// segments are not interpreted; context and source come from the
	// payload.
	TopicFilter string
	// RateLimit caps Publish deliveries handled per Interval; excess
	// messages are dropped and counted rather than submitted. Defaults
	// to 200 per second.
	RateLimit int64
	Interval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "signalk-bridge"
	}
	if c.TopicFilter == "" {
		c.TopicFilter = "signalk/+/+/delta"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 200
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	return c
}

// Bridge subscribes to an MQTT topic filter and submits each decoded
// delta to a pipeline. It implements serverevent.ProviderStatusSource
// so its counters surface in the SERVERSTATISTICS/PROVIDERSTATUS
// events alongside every other provider.
//
// Bridge paces its own ingress: rateCount/rateDropped are reset every
// cfg.Interval by runRateReset, and allowPublish consults them
// directly rather than handing pacing off to a separate limiter type.
type Bridge struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	cm *autopaho.ConnectionManager

	rateCount   atomic.Int64
	rateDropped atomic.Int64

	received   atomic.Uint64
	decodeFail atomic.Uint64
	lastErr    atomic.Value // string
}

// New creates a Bridge but does not connect. Call Start to begin the
// connection and message loop.
func New(cfg Config, p *pipeline.Pipeline, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg.withDefaults(),
		pipeline: p,
		logger:   logger,
	}
}

// Start connects to the broker and runs until ctx is cancelled. Every
// (re-)connect re-subscribes to the configured topic filter, since
// autopaho does not do this automatically.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt bridge: parse broker url: %w", err)
	}

	go b.runRateReset(ctx)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt bridge connected", "broker", b.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: b.cfg.TopicFilter, QoS: 0},
				},
			}); err != nil {
				b.logger.Error("mqtt bridge subscribe failed", "topic", b.cfg.TopicFilter, "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt bridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt bridge: connect: %w", err)
	}
	b.cm = cm

	defaultSource := model.SourceRef("mqtt." + b.cfg.ClientID)
	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.allowPublish() {
			return true, nil
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqtt bridge message handler panicked",
						"topic", pr.Packet.Topic, "panic", r)
				}
			}()
			b.handleMessage(pr.Packet.Topic, pr.Packet.Payload, defaultSource)
		}()
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt bridge initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// runRateReset resets the per-interval publish counters, logging a
// warning if any messages were dropped since the last reset. It blocks
// until ctx is cancelled.
func (b *Bridge) runRateReset(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := b.rateCount.Swap(0)
			dropped := b.rateDropped.Swap(0)
			if dropped > 0 {
				b.logger.Warn("mqtt bridge messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", b.cfg.Interval.String(),
					"limit", b.cfg.RateLimit,
				)
			}
		}
	}
}

// allowPublish increments the interval's publish counter and reports
// whether it is still within cfg.RateLimit. Over the limit, it counts
// the message as dropped and refuses it.
func (b *Bridge) allowPublish() bool {
	n := b.rateCount.Add(1)
	if n > b.cfg.RateLimit {
		b.rateDropped.Add(1)
		return false
	}
	return true
}

func (b *Bridge) handleMessage(topic string, payload []byte, defaultSource model.SourceRef) {
	b.received.Add(1)
	d, err := model.DecodeDelta(payload)
	if err != nil {
		b.decodeFail.Add(1)
		b.lastErr.Store(err.Error())
		b.logger.Debug("mqtt bridge delta decode failed", "topic", topic, "error", err)
		return
	}
	b.pipeline.Submit(d, defaultSource)
}

// ProviderStatuses implements serverevent.ProviderStatusSource.
func (b *Bridge) ProviderStatuses() []serverevent.ProviderStats {
	var lastErr string
	if v := b.lastErr.Load(); v != nil {
		lastErr = v.(string)
	}
	return []serverevent.ProviderStats{
		{
			ID:         b.cfg.ClientID,
			DeltaCount: b.received.Load(),
			LastError:  lastErr,
		},
	}
}

// Stop gracefully disconnects from the broker.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}
