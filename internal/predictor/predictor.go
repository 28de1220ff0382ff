// Package predictor is the client for the external yield-prediction
// service. The service wraps a gradient-boosted classifier trained on
// chamber telemetry; it maps a sensor snapshot to a harvest cycle in
// the 3–6 range, where 6 is the best achievable cycle.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/datanyx/fungid/internal/httpkit"
	"github.com/datanyx/fungid/internal/telemetry"
)

// Category is the yield classification derived from the harvest cycle.
type Category string

const (
	CategoryHigh   Category = "HIGH"   // cycle 6
	CategoryGood   Category = "GOOD"   // cycle 5
	CategoryMedium Category = "MEDIUM" // cycle 4
	CategoryLow    Category = "LOW"    // cycle 3
)

// Prediction is the service's answer for one reading.
type Prediction struct {
	HarvestCycle int      `json:"harvest_cycle"`
	Category     Category `json:"category"`
	Color        string   `json:"color"`
	Description  string   `json:"description"`
}

// request mirrors the prediction service's wire format. Field names
// follow the model's training features, which is why substrate
// moisture loses its _pct suffix here and nowhere else.
type request struct {
	Species           string  `json:"species"`
	TemperatureC      float64 `json:"temperature_c"`
	HumidityPct       float64 `json:"humidity_pct"`
	CO2PPM            float64 `json:"co2_ppm"`
	LightLux          float64 `json:"light_lux"`
	SubstrateMoisture float64 `json:"substrate_moisture"`
	WaterQualityIndex float64 `json:"water_quality_index"`
}

// Client calls the yield-prediction HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a prediction client. baseURL defaults to the local
// service when empty.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3002"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Predict submits a reading and returns the service's classification.
// The reading is normalized before sending: the species label is
// canonicalized and percentage fields clamped, matching what the model
// saw in training.
func (c *Client) Predict(ctx context.Context, r telemetry.Reading) (*Prediction, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reading: %w", err)
	}

	body, err := json.Marshal(request{
		Species:           string(r.Species),
		TemperatureC:      r.TempC,
		HumidityPct:       r.HumidityPct,
		CO2PPM:            r.CO2PPM,
		LightLux:          r.LightLux,
		SubstrateMoisture: r.SubstrateMoisturePct,
		WaterQualityIndex: r.WaterQualityIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, fmt.Errorf("prediction service error %d: %s", resp.StatusCode, errBody)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}

	if pred.HarvestCycle < 3 || pred.HarvestCycle > 6 {
		return nil, fmt.Errorf("prediction service returned harvest cycle %d (expected 3-6)", pred.HarvestCycle)
	}
	cls := classifyCycle(pred.HarvestCycle)
	if pred.Category == "" {
		pred.Category = cls.category
	}
	if pred.Color == "" {
		pred.Color = cls.color
	}
	if pred.Description == "" {
		pred.Description = cls.description
	}

	c.logger.Debug("yield prediction",
		"chamber", r.Chamber,
		"species", r.Species,
		"cycle", pred.HarvestCycle,
		"category", pred.Category,
	)
	return &pred, nil
}

// Health checks that the prediction service is up and its model loaded.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prediction service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// classification is the presentation metadata for a harvest cycle,
// mirroring the prediction service's own table. Used to backfill
// fields when the service returns only the raw cycle.
type classification struct {
	category    Category
	color       string
	description string
}

func classifyCycle(cycle int) classification {
	switch cycle {
	case 6:
		return classification{CategoryHigh, "#4ade80", "Excellent conditions! Expected high yield."}
	case 5:
		return classification{CategoryGood, "#a3e635", "Good conditions. Healthy yield expected."}
	case 4:
		return classification{CategoryMedium, "#fbbf24", "Moderate conditions. Some adjustments recommended."}
	default:
		return classification{CategoryLow, "#f87171", "Suboptimal conditions. Significant improvements needed."}
	}
}
