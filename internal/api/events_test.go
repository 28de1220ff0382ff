package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/datanyx/fungid/internal/events"
)

func wsTestServer(t *testing.T, bus *events.Bus) *httptest.Server {
	t.Helper()
	s := NewServer("", 0, Deps{Bus: bus})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestEventsWSStreamsBusEvents(t *testing.T) {
	bus := events.New()
	srv := wsTestServer(t, bus)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Publish after the subscription is live. The handler subscribes
	// before its first write, so poll briefly for the subscriber.
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.Event{Kind: events.KindReadingIngested, Source: events.SourceTelemetry})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindReadingIngested {
		t.Errorf("event kind = %q", ev.Kind)
	}
}

func TestEventsWSWithoutBus(t *testing.T) {
	srv := wsTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/events/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
