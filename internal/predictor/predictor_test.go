package predictor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datanyx/fungid/internal/telemetry"
)

func testReading() telemetry.Reading {
	return telemetry.Reading{
		Chamber:              "chamber-1",
		Species:              "oyster",
		TempC:                21.5,
		HumidityPct:          90,
		CO2PPM:               650,
		LightLux:             300,
		SubstrateMoisturePct: 65,
		WaterQualityIndex:    80,
	}
}

func TestPredict(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/predict" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Prediction{
			HarvestCycle: 6,
			Category:     CategoryHigh,
			Color:        "#22c55e",
			Description:  "Excellent conditions.",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	pred, err := c.Predict(context.Background(), testReading())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.HarvestCycle != 6 || pred.Category != CategoryHigh {
		t.Errorf("got %+v, want cycle 6 HIGH", pred)
	}

	// Species is canonicalized on the wire and substrate moisture uses
	// the model's feature name.
	if gotReq["species"] != "Oyster" {
		t.Errorf("species sent = %v, want Oyster", gotReq["species"])
	}
	if gotReq["substrate_moisture"] != 65.0 {
		t.Errorf("substrate_moisture sent = %v, want 65", gotReq["substrate_moisture"])
	}
}

func TestPredictFillsClassification(t *testing.T) {
	// Some service builds return only the raw cycle; the client fills
	// in category, color, and description from the classification table.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"harvest_cycle": 4})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	pred, err := c.Predict(context.Background(), testReading())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Category != CategoryMedium {
		t.Errorf("category = %q, want MEDIUM for cycle 4", pred.Category)
	}
	if pred.Color != "#fbbf24" {
		t.Errorf("color = %q, want #fbbf24", pred.Color)
	}
	if pred.Description == "" {
		t.Error("description should be filled for a cycle-only response")
	}
}

func TestPredictKeepsServiceClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Prediction{
			HarvestCycle: 4,
			Category:     CategoryMedium,
			Color:        "#ffff00",
			Description:  "Service-provided text.",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	pred, err := c.Predict(context.Background(), testReading())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Color != "#ffff00" || pred.Description != "Service-provided text." {
		t.Errorf("service fields overwritten: %+v", pred)
	}
}

func TestPredictRejectsOutOfRangeCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"harvest_cycle": 9})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	if _, err := c.Predict(context.Background(), testReading()); err == nil {
		t.Error("expected error for harvest cycle outside 3-6")
	}
}

func TestPredictRejectsInvalidReading(t *testing.T) {
	c := NewClient("http://localhost:1", time.Second, nil)
	r := testReading()
	r.Species = "morel"
	if _, err := c.Predict(context.Background(), r); err == nil {
		t.Error("expected validation error before any network call")
	}
}

func TestPredictServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	if _, err := c.Predict(context.Background(), testReading()); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	if err := c.Health(context.Background()); err == nil {
		t.Error("expected error for unhealthy service")
	}
}

func TestClassifyCycle(t *testing.T) {
	tests := []struct {
		cycle     int
		want      Category
		wantColor string
	}{
		{6, CategoryHigh, "#4ade80"},
		{5, CategoryGood, "#a3e635"},
		{4, CategoryMedium, "#fbbf24"},
		{3, CategoryLow, "#f87171"},
	}
	for _, tt := range tests {
		cls := classifyCycle(tt.cycle)
		if cls.category != tt.want {
			t.Errorf("classifyCycle(%d).category = %q, want %q", tt.cycle, cls.category, tt.want)
		}
		if cls.color != tt.wantColor {
			t.Errorf("classifyCycle(%d).color = %q, want %q", tt.cycle, cls.color, tt.wantColor)
		}
		if cls.description == "" {
			t.Errorf("classifyCycle(%d) has no description", tt.cycle)
		}
	}
}
