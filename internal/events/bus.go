// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (telemetry store, alert
// evaluator, expert orchestrator, MQTT bridge) to subscribers (the
// WebSocket live feed on the dashboard). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTelemetry identifies events from the telemetry store.
	SourceTelemetry = "telemetry"
	// SourceAlerts identifies events from the alert evaluator.
	SourceAlerts = "alerts"
	// SourceExpert identifies events from the expert orchestrator.
	SourceExpert = "expert"
	// SourceMQTT identifies events from the MQTT bridge.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindReadingIngested signals a sensor reading was stored.
	// Data: chamber, species, temp_c, humidity_pct, co2_ppm.
	KindReadingIngested = "reading_ingested"

	// KindAlertRaised signals a chamber condition crossed into
	// warning or critical. Data: chamber, metric, severity, value.
	KindAlertRaised = "alert_raised"
	// KindAlertCleared signals a chamber condition returned to its
	// optimal band. Data: chamber, metric.
	KindAlertCleared = "alert_cleared"

	// KindChatComplete signals the expert answered a question.
	// Data: conversation_id, chamber, model, elapsed_ms.
	KindChatComplete = "chat_complete"

	// KindBrokerUp signals the MQTT broker connection came up.
	// Data: broker.
	KindBrokerUp = "broker_up"
	// KindBrokerDown signals the MQTT broker connection dropped.
	// Data: broker, error.
	KindBrokerDown = "broker_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so that
	// Unsubscribe can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
