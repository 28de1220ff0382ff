package expert

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/guides"
	"github.com/datanyx/fungid/internal/llm"
	"github.com/datanyx/fungid/internal/memory"
	"github.com/datanyx/fungid/internal/predictor"
	"github.com/datanyx/fungid/internal/prompts"
	"github.com/datanyx/fungid/internal/telemetry"
)

// fakeOllama records every chat request and answers with a canned reply.
type fakeOllama struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	answer   string
}

func (f *fakeOllama) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req llm.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		json.NewEncoder(w).Encode(llm.ChatResponse{
			Model:   req.Model,
			Message: llm.Message{Role: "assistant", Content: f.answer},
			Done:    true,
		})
	}
}

func (f *fakeOllama) lastRequest(t *testing.T) llm.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no chat request received")
	}
	return f.requests[len(f.requests)-1]
}

type fixture struct {
	expert   *Expert
	ollama   *fakeOllama
	readings *telemetry.Store
	guides   *guides.Store
	memory   *memory.Store
}

func newFixture(t *testing.T, predictorURL string) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	readings, err := telemetry.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	guideStore, err := guides.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.NewStore(db, 0)
	if err != nil {
		t.Fatal(err)
	}

	fake := &fakeOllama{answer: "Looking healthy, keep the humidity up."}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := Config{
		LLM:      llm.NewOllamaClient(srv.URL, 5*time.Second, nil),
		Model:    "llama3.2",
		Readings: readings,
		Guides:   guideStore,
		Memory:   mem,
	}
	if predictorURL != "" {
		cfg.Predictor = predictor.NewClient(predictorURL, 2*time.Second, nil)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{expert: e, ollama: fake, readings: readings, guides: guideStore, memory: mem}
}

func storeReading(t *testing.T, s *telemetry.Store, chamber string) telemetry.Reading {
	t.Helper()
	r := telemetry.Reading{
		Chamber:              chamber,
		Species:              telemetry.SpeciesOyster,
		TempC:                21.5,
		HumidityPct:          90,
		CO2PPM:               650,
		LightLux:             300,
		SubstrateMoisturePct: 65,
		WaterQualityIndex:    80,
	}
	if err := s.Insert(&r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return r
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing llm client")
	}
	if _, err := New(Config{LLM: llm.NewOllamaClient("", time.Second, nil)}); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestAskPlainQuestion(t *testing.T) {
	fx := newFixture(t, "")

	resp, err := fx.expert.Ask(context.Background(), AskRequest{
		Question: "What substrate suits shiitake?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Answer != "Looking healthy, keep the humidity up." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.ConversationID == "" {
		t.Error("a conversation ID should be assigned")
	}

	req := fx.ollama.lastRequest(t)
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", req.Messages[0].Role)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "What substrate suits shiitake?" {
		t.Errorf("last message = %+v", last)
	}
}

func TestAskUsesLatestChamberReading(t *testing.T) {
	fx := newFixture(t, "")
	storeReading(t, fx.readings, "chamber-1")

	resp, err := fx.expert.Ask(context.Background(), AskRequest{
		Chamber:  "chamber-1",
		Question: "How does it look?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Reading == nil || resp.Reading.Chamber != "chamber-1" {
		t.Errorf("response reading = %+v", resp.Reading)
	}

	req := fx.ollama.lastRequest(t)
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, "Temperature: 21.5") {
		t.Errorf("reading context missing from prompt:\n%s", user)
	}
}

func TestAskDefaultQuestion(t *testing.T) {
	fx := newFixture(t, "")
	storeReading(t, fx.readings, "chamber-1")

	if _, err := fx.expert.Ask(context.Background(), AskRequest{Chamber: "chamber-1"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	req := fx.ollama.lastRequest(t)
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, prompts.DefaultQuestion) {
		t.Errorf("default question missing:\n%s", user)
	}
}

func TestAskRejectsEmptyRequest(t *testing.T) {
	fx := newFixture(t, "")
	if _, err := fx.expert.Ask(context.Background(), AskRequest{}); err == nil {
		t.Error("expected error with no question and no reading")
	}
}

func TestAskWithPrediction(t *testing.T) {
	predSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(predictor.Prediction{
			HarvestCycle: 5,
			Category:     predictor.CategoryGood,
			Description:  "Close to optimal.",
		})
	}))
	defer predSrv.Close()

	fx := newFixture(t, predSrv.URL)
	storeReading(t, fx.readings, "chamber-1")

	resp, err := fx.expert.Ask(context.Background(), AskRequest{Chamber: "chamber-1", Question: "Outlook?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Prediction == nil || resp.Prediction.Category != predictor.CategoryGood {
		t.Errorf("prediction = %+v", resp.Prediction)
	}

	req := fx.ollama.lastRequest(t)
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, "Predicted yield: GOOD") {
		t.Errorf("prediction missing from prompt:\n%s", user)
	}
}

func TestAskSurvivesPredictorOutage(t *testing.T) {
	predSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer predSrv.Close()

	fx := newFixture(t, predSrv.URL)
	storeReading(t, fx.readings, "chamber-1")

	resp, err := fx.expert.Ask(context.Background(), AskRequest{Chamber: "chamber-1", Question: "Outlook?"})
	if err != nil {
		t.Fatalf("Ask should succeed without prediction: %v", err)
	}
	if resp.Prediction != nil {
		t.Errorf("prediction should be nil when the service fails, got %+v", resp.Prediction)
	}
}

func TestAskReplaysHistory(t *testing.T) {
	fx := newFixture(t, "")

	first, err := fx.expert.Ask(context.Background(), AskRequest{Question: "First question"})
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if _, err := fx.expert.Ask(context.Background(), AskRequest{
		ConversationID: first.ConversationID,
		Question:       "Follow-up",
	}); err != nil {
		t.Fatalf("second Ask: %v", err)
	}

	req := fx.ollama.lastRequest(t)
	// system + prior user + prior assistant + new user
	if len(req.Messages) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[1].Content != "First question" {
		t.Errorf("history should replay the raw question, got %q", req.Messages[1].Content)
	}
	if req.Messages[2].Role != "assistant" {
		t.Errorf("message 2 role = %q", req.Messages[2].Role)
	}
}

func TestAskEnrichesSystemPromptWithGuides(t *testing.T) {
	fx := newFixture(t, "")
	storeReading(t, fx.readings, "chamber-1")
	if _, err := fx.guides.Set("Oyster", "Fruiting", "Blue oysters prefer 18-22 °C.", "notes.md"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := fx.expert.Ask(context.Background(), AskRequest{Chamber: "chamber-1", Question: "Temp?"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	system := fx.ollama.lastRequest(t).Messages[0].Content
	if !strings.Contains(system, "Blue oysters prefer 18-22") {
		t.Errorf("guide entry missing from system prompt:\n%s", system)
	}
}

func TestAskPublishesEvent(t *testing.T) {
	fx := newFixture(t, "")
	bus := events.New()
	fx.expert.bus = bus
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	if _, err := fx.expert.Ask(context.Background(), AskRequest{Question: "hi"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != events.KindChatComplete {
			t.Errorf("event kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no chat_complete event published")
	}
}
