package prompts

import (
	"fmt"
	"strings"

	"github.com/datanyx/fungid/internal/predictor"
	"github.com/datanyx/fungid/internal/telemetry"
)

// DefaultQuestion is used when the grower attaches a reading but no
// free-text question.
const DefaultQuestion = "Give me a short assessment of these growing conditions and the one adjustment that would help most."

// FormatReading renders a sensor reading as human-readable lines for
// the model.
func FormatReading(r telemetry.Reading) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current readings for chamber %q (%s):\n", r.Chamber, r.Species)
	fmt.Fprintf(&b, "- Temperature: %.1f °C\n", r.TempC)
	fmt.Fprintf(&b, "- Humidity: %.0f%%\n", r.HumidityPct)
	fmt.Fprintf(&b, "- CO2: %.0f ppm\n", r.CO2PPM)
	fmt.Fprintf(&b, "- Light: %.0f lux\n", r.LightLux)
	fmt.Fprintf(&b, "- Substrate moisture: %.0f%%\n", r.SubstrateMoisturePct)
	fmt.Fprintf(&b, "- Water quality index: %.0f/100", r.WaterQualityIndex)
	return b.String()
}

// FormatPrediction renders a yield prediction as one line for the model.
func FormatPrediction(p predictor.Prediction) string {
	return fmt.Sprintf("Predicted yield: %s (harvest cycle %d of 6). %s",
		p.Category, p.HarvestCycle, p.Description)
}

// ComposeUserPrompt assembles the user-role message: optional sensor
// context, optional prediction, then the question (or the default
// question when a reading is present but the question is empty).
func ComposeUserPrompt(reading *telemetry.Reading, pred *predictor.Prediction, question string) string {
	question = strings.TrimSpace(question)

	var parts []string
	if reading != nil {
		parts = append(parts, FormatReading(*reading))
	}
	if pred != nil {
		parts = append(parts, FormatPrediction(*pred))
	}

	switch {
	case question != "":
		parts = append(parts, question)
	case reading != nil:
		parts = append(parts, DefaultQuestion)
	}

	return strings.Join(parts, "\n\n")
}
