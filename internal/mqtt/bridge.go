package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/datanyx/fungid/internal/alerts"
	"github.com/datanyx/fungid/internal/buildinfo"
	"github.com/datanyx/fungid/internal/config"
	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/telemetry"
)

// Bridge manages the MQTT connection: it subscribes to chamber reading
// topics and publishes retained daemon status topics.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	readings   *telemetry.Store
	evaluator  *alerts.Evaluator
	bus        *events.Bus
	logger     *slog.Logger
	limiter    *messageRateLimiter
	cm         *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and status loop. evaluator and bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, readings *telemetry.Store, evaluator *alerts.Evaluator, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		readings:   readings,
		evaluator:  evaluator,
		bus:        bus,
		logger:     logger,
		limiter:    newMessageRateLimiter(cfg.MaxMessagesPerMin, time.Minute, logger),
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it publishes "online" to the availability topic
// and re-subscribes the reading filter.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()
	filter := b.readingFilter()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
			b.subscribe(ctx, cm, filter)
			b.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceMQTT,
				Kind:      events.KindBrokerUp,
				Data:      map[string]any{"broker": b.cfg.Broker},
			})
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
			b.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceMQTT,
				Kind:      events.KindBrokerDown,
				Data:      map[string]any{"broker": b.cfg.Broker, "error": err.Error()},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "fungid-" + b.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go b.limiter.start(ctx)
	b.statusLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. The context bounds how
// long the final publish may take.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by connwatch health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return b.cfg.TopicPrefix + "/daemon"
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/status"
}

func (b *Bridge) stateTopic(name string) string {
	return b.baseTopic() + "/" + name
}

func (b *Bridge) readingFilter() string {
	return b.cfg.TopicPrefix + "/+/reading"
}

// --- Inbound ---

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager, filter string) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "filter", filter)
}

// handleMessage routes one inbound publish. Readings arrive on
// <prefix>/<chamber>/reading with a JSON payload in the same shape the
// HTTP ingest endpoint accepts; the chamber in the topic wins over any
// chamber field in the payload.
func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	if !b.limiter.allow() {
		return
	}

	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != b.cfg.TopicPrefix || parts[2] != "reading" {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	chamber := parts[1]
	if chamber == "daemon" {
		return // our own status topics
	}

	var r telemetry.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		b.logger.Warn("mqtt reading payload malformed",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		return
	}
	r.Chamber = chamber

	if err := r.Validate(); err != nil {
		b.logger.Warn("mqtt reading rejected", "chamber", chamber, "error", err)
		return
	}
	if err := b.readings.Insert(&r); err != nil {
		b.logger.Error("mqtt reading store failed", "chamber", chamber, "error", err)
		return
	}

	b.logger.Debug("mqtt reading stored",
		"chamber", chamber,
		"species", r.Species,
		"temp_c", r.TempC,
	)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindReadingIngested,
		Data: map[string]any{
			"chamber":      chamber,
			"species":      string(r.Species),
			"temp_c":       r.TempC,
			"humidity_pct": r.HumidityPct,
			"co2_ppm":      r.CO2PPM,
		},
	})

	if b.evaluator != nil {
		if _, err := b.evaluator.Process(ctx, r); err != nil {
			b.logger.Error("alert evaluation failed", "chamber", chamber, "error", err)
		}
	}
}

// --- Outbound status ---

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

func (b *Bridge) statusLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStatus(ctx)
		}
	}
}

func (b *Bridge) publishStatus(ctx context.Context) {
	if b.cm == nil {
		return
	}

	states := map[string]string{
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"version": buildinfo.Version,
	}
	if chambers, err := b.readings.Chambers(); err == nil {
		states["chambers"] = strconv.Itoa(len(chambers))
	}

	for name, value := range states {
		if _, err := b.cm.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(name),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt status publish failed", "topic", name, "error", err)
		}
	}
}
