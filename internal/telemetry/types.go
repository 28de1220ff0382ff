// Package telemetry stores and serves grow-chamber sensor readings.
package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Species is a cultivated mushroom variety. The set matches what the
// yield model was trained on; anything else is rejected at the API
// boundary rather than silently miscategorized.
type Species string

const (
	SpeciesOyster    Species = "Oyster"
	SpeciesShiitake  Species = "Shiitake"
	SpeciesLionsMane Species = "Lions Mane"
	SpeciesButton    Species = "Button"
	SpeciesReishi    Species = "Reishi"
)

// Species aliases accepted on input (case-insensitive, punctuation-tolerant).
var speciesAliases = map[string]Species{
	"oyster":     SpeciesOyster,
	"shiitake":   SpeciesShiitake,
	"lions mane": SpeciesLionsMane,
	"lion's mane": SpeciesLionsMane,
	"lionsmane":  SpeciesLionsMane,
	"button":     SpeciesButton,
	"reishi":     SpeciesReishi,
}

// ParseSpecies normalizes a species string. Returns an error listing
// the valid varieties for anything unrecognized.
func ParseSpecies(s string) (Species, error) {
	if sp, ok := speciesAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sp, nil
	}
	return "", fmt.Errorf("unknown species %q (valid: Oyster, Shiitake, Lions Mane, Button, Reishi)", s)
}

// Reading is a single sensor snapshot from a grow chamber.
type Reading struct {
	ID                   string    `json:"id,omitempty"`
	Chamber              string    `json:"chamber"`
	Species              Species   `json:"species"`
	TempC                float64   `json:"temp_c"`
	HumidityPct          float64   `json:"humidity_pct"`
	CO2PPM               float64   `json:"co2_ppm"`
	LightLux             float64   `json:"light_lux"`
	SubstrateMoisturePct float64   `json:"substrate_moisture_pct"`
	WaterQualityIndex    float64   `json:"water_quality_index"`
	RecordedAt           time.Time `json:"recorded_at"`
}

// Validate checks a reading for structural problems. Percentage fields
// are clamped rather than rejected — sensors drift past their rails
// routinely and the dashboard should still show something.
func (r *Reading) Validate() error {
	if strings.TrimSpace(r.Chamber) == "" {
		return fmt.Errorf("chamber is required")
	}
	sp, err := ParseSpecies(string(r.Species))
	if err != nil {
		return err
	}
	r.Species = sp

	if r.CO2PPM < 0 {
		return fmt.Errorf("co2_ppm must be non-negative, got %v", r.CO2PPM)
	}
	if r.LightLux < 0 {
		return fmt.Errorf("light_lux must be non-negative, got %v", r.LightLux)
	}

	r.HumidityPct = clampPct(r.HumidityPct)
	r.SubstrateMoisturePct = clampPct(r.SubstrateMoisturePct)
	r.WaterQualityIndex = clampPct(r.WaterQualityIndex)

	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	return nil
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// FahrenheitToCelsius converts a temperature. Chamber controllers in
// the field report either unit; everything internal is Celsius.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}
