package mqtt

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datanyx/fungid/internal/config"
	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/telemetry"
)

func testBridge(t *testing.T) (*Bridge, *telemetry.Store, *events.Bus) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := telemetry.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cfg := config.Default().MQTT
	bus := events.New()
	b := New(cfg, "test-instance", store, nil, bus, slog.Default())
	return b, store, bus
}

func TestHandleMessageStoresReading(t *testing.T) {
	b, store, bus := testBridge(t)
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	payload := []byte(`{"chamber":"ignored","species":"oyster","temp_c":21.5,"humidity_pct":90,"co2_ppm":600,"light_lux":250,"substrate_moisture_pct":60,"water_quality_index":85}`)
	b.handleMessage(context.Background(), "fungid/chamber-3/reading", payload)

	// The chamber in the topic wins over the payload field.
	r, err := store.Latest("chamber-3")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if r == nil {
		t.Fatal("reading not stored")
	}
	if r.Species != telemetry.SpeciesOyster || r.TempC != 21.5 {
		t.Errorf("stored reading = %+v", r)
	}
	if other, _ := store.Latest("ignored"); other != nil {
		t.Error("payload chamber field should be overridden by the topic")
	}

	select {
	case evt := <-ch:
		if evt.Kind != events.KindReadingIngested || evt.Source != events.SourceMQTT {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no reading_ingested event published")
	}
}

func TestHandleMessageIgnoresForeignTopics(t *testing.T) {
	b, store, _ := testBridge(t)

	payload := []byte(`{"species":"oyster","temp_c":21}`)
	for _, topic := range []string{
		"fungid/daemon/status",          // own status topic
		"other/chamber-1/reading",       // wrong prefix
		"fungid/chamber-1/config",       // wrong suffix
		"fungid/a/b/reading",            // too many levels
		"fungid/reading",                // too few levels
	} {
		b.handleMessage(context.Background(), topic, payload)
	}

	chambers, err := store.Chambers()
	if err != nil {
		t.Fatalf("Chambers: %v", err)
	}
	if len(chambers) != 0 {
		t.Errorf("foreign topics stored readings for %v", chambers)
	}
}

func TestHandleMessageRejectsBadPayload(t *testing.T) {
	b, store, _ := testBridge(t)

	b.handleMessage(context.Background(), "fungid/chamber-1/reading", []byte(`{not json`))
	b.handleMessage(context.Background(), "fungid/chamber-1/reading", []byte(`{"species":"porcini","temp_c":21}`))
	b.handleMessage(context.Background(), "fungid/chamber-1/reading", []byte(`{"species":"oyster","co2_ppm":-5}`))

	if r, _ := store.Latest("chamber-1"); r != nil {
		t.Errorf("invalid payload stored: %+v", r)
	}
}

func TestTopicHelpers(t *testing.T) {
	b, _, _ := testBridge(t)

	if got := b.availabilityTopic(); got != "fungid/daemon/status" {
		t.Errorf("availability topic = %q", got)
	}
	if got := b.stateTopic("uptime"); got != "fungid/daemon/uptime" {
		t.Errorf("state topic = %q", got)
	}
	if got := b.readingFilter(); got != "fungid/+/reading" {
		t.Errorf("reading filter = %q", got)
	}
}

func TestStatusLoopToleratesZeroInterval(t *testing.T) {
	// A zero or negative publish_interval_sec in config.yaml must fall
	// back to the default instead of panicking NewTicker.
	for _, sec := range []int{0, -5} {
		b, _, _ := testBridge(t)
		b.cfg.PublishIntervalSec = sec

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		b.statusLoop(ctx)
		cancel()
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := newMessageRateLimiter(3, time.Minute, slog.Default())

	for i := range 3 {
		if !rl.allow() {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	if rl.allow() {
		t.Error("message over the limit should be dropped")
	}
	if rl.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", rl.dropped.Load())
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := newMessageRateLimiter(1, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.start(ctx)

	if !rl.allow() {
		t.Fatal("first message should pass")
	}
	if rl.allow() {
		t.Fatal("second message should be dropped")
	}

	// After the interval resets the counter, messages flow again.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rl.allow() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("limiter never reset")
}

func TestRateLimiterDefaultLimit(t *testing.T) {
	rl := newMessageRateLimiter(0, time.Minute, slog.Default())
	if rl.limit != 600 {
		t.Errorf("default limit = %d, want 600", rl.limit)
	}
}

func TestRateLimitDropsMessages(t *testing.T) {
	b, store, _ := testBridge(t)
	b.limiter = newMessageRateLimiter(1, time.Minute, slog.Default())

	payload := []byte(`{"species":"oyster","temp_c":21,"humidity_pct":90}`)
	b.handleMessage(context.Background(), "fungid/chamber-1/reading", payload)
	b.handleMessage(context.Background(), "fungid/chamber-2/reading", payload)

	chambers, _ := store.Chambers()
	if len(chambers) != 1 {
		t.Errorf("stored readings for %v, want only the first", chambers)
	}
}
