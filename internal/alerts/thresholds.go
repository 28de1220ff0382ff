// Package alerts watches stored readings against per-species growing
// bands, raises and clears alerts as chambers drift, and notifies
// growers by email when conditions go critical.
package alerts

import (
	"fmt"

	"github.com/datanyx/fungid/internal/telemetry"
)

// Severity of a finding or alert.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Metric names the sensor channel a finding refers to.
type Metric string

const (
	MetricTemp         Metric = "temperature"
	MetricHumidity     Metric = "humidity"
	MetricCO2          Metric = "co2"
	MetricSubstrate    Metric = "substrate_moisture"
	MetricWaterQuality Metric = "water_quality"
)

// Limits holds the warning and critical bands for one metric. Values
// inside [WarnLow, WarnHigh] are fine; outside that but inside
// [CritLow, CritHigh] is a warning; beyond is critical.
type Limits struct {
	WarnLow, WarnHigh float64
	CritLow, CritHigh float64
}

func (l Limits) classify(v float64) Severity {
	switch {
	case v < l.CritLow || v > l.CritHigh:
		return SeverityCritical
	case v < l.WarnLow || v > l.WarnHigh:
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// Profile is the full set of limits for one species.
type Profile map[Metric]Limits

// profiles holds fruiting-stage bands per species. Sourced from common
// cultivation references; growers can tighten them per chamber later.
var profiles = map[telemetry.Species]Profile{
	telemetry.SpeciesOyster: {
		MetricTemp:         {WarnLow: 18, WarnHigh: 24, CritLow: 12, CritHigh: 30},
		MetricHumidity:     {WarnLow: 85, WarnHigh: 95, CritLow: 70, CritHigh: 100},
		MetricCO2:          {WarnLow: 0, WarnHigh: 800, CritLow: 0, CritHigh: 1500},
		MetricSubstrate:    {WarnLow: 55, WarnHigh: 70, CritLow: 40, CritHigh: 85},
		MetricWaterQuality: {WarnLow: 70, WarnHigh: 100, CritLow: 50, CritHigh: 100},
	},
	telemetry.SpeciesShiitake: {
		MetricTemp:         {WarnLow: 12, WarnHigh: 18, CritLow: 7, CritHigh: 26},
		MetricHumidity:     {WarnLow: 80, WarnHigh: 90, CritLow: 65, CritHigh: 100},
		MetricCO2:          {WarnLow: 0, WarnHigh: 1000, CritLow: 0, CritHigh: 2000},
		MetricSubstrate:    {WarnLow: 50, WarnHigh: 65, CritLow: 35, CritHigh: 80},
		MetricWaterQuality: {WarnLow: 70, WarnHigh: 100, CritLow: 50, CritHigh: 100},
	},
	telemetry.SpeciesLionsMane: {
		MetricTemp:         {WarnLow: 18, WarnHigh: 24, CritLow: 13, CritHigh: 28},
		MetricHumidity:     {WarnLow: 85, WarnHigh: 95, CritLow: 75, CritHigh: 100},
		MetricCO2:          {WarnLow: 0, WarnHigh: 700, CritLow: 0, CritHigh: 1400},
		MetricSubstrate:    {WarnLow: 55, WarnHigh: 70, CritLow: 40, CritHigh: 85},
		MetricWaterQuality: {WarnLow: 70, WarnHigh: 100, CritLow: 50, CritHigh: 100},
	},
	telemetry.SpeciesButton: {
		MetricTemp:         {WarnLow: 16, WarnHigh: 20, CritLow: 10, CritHigh: 26},
		MetricHumidity:     {WarnLow: 80, WarnHigh: 90, CritLow: 65, CritHigh: 100},
		MetricCO2:          {WarnLow: 0, WarnHigh: 1200, CritLow: 0, CritHigh: 2500},
		MetricSubstrate:    {WarnLow: 60, WarnHigh: 75, CritLow: 45, CritHigh: 90},
		MetricWaterQuality: {WarnLow: 70, WarnHigh: 100, CritLow: 50, CritHigh: 100},
	},
	telemetry.SpeciesReishi: {
		MetricTemp:         {WarnLow: 24, WarnHigh: 30, CritLow: 18, CritHigh: 35},
		MetricHumidity:     {WarnLow: 85, WarnHigh: 95, CritLow: 75, CritHigh: 100},
		MetricCO2:          {WarnLow: 0, WarnHigh: 1500, CritLow: 0, CritHigh: 3000},
		MetricSubstrate:    {WarnLow: 55, WarnHigh: 70, CritLow: 40, CritHigh: 85},
		MetricWaterQuality: {WarnLow: 70, WarnHigh: 100, CritLow: 50, CritHigh: 100},
	},
}

// ProfileFor returns the limits for a species. Unknown species fall
// back to the Oyster profile, the most forgiving of the five.
func ProfileFor(species telemetry.Species) Profile {
	if p, ok := profiles[species]; ok {
		return p
	}
	return profiles[telemetry.SpeciesOyster]
}

// Finding is the classification of one metric of one reading.
type Finding struct {
	Metric   Metric   `json:"metric"`
	Severity Severity `json:"severity"`
	Value    float64  `json:"value"`
	Message  string   `json:"message"`
}

// Evaluate classifies every metric of a reading against its species
// profile. The result always contains one finding per metric,
// including the healthy ones.
func Evaluate(r telemetry.Reading) []Finding {
	profile := ProfileFor(r.Species)

	values := []struct {
		metric Metric
		value  float64
		unit   string
	}{
		{MetricTemp, r.TempC, "°C"},
		{MetricHumidity, r.HumidityPct, "%"},
		{MetricCO2, r.CO2PPM, "ppm"},
		{MetricSubstrate, r.SubstrateMoisturePct, "%"},
		{MetricWaterQuality, r.WaterQualityIndex, ""},
	}

	findings := make([]Finding, 0, len(values))
	for _, v := range values {
		limits := profile[v.metric]
		sev := limits.classify(v.value)
		findings = append(findings, Finding{
			Metric:   v.metric,
			Severity: sev,
			Value:    v.value,
			Message:  findingMessage(v.metric, sev, v.value, v.unit, limits),
		})
	}
	return findings
}

func findingMessage(m Metric, sev Severity, value float64, unit string, l Limits) string {
	if sev == SeverityOK {
		return fmt.Sprintf("%s %.1f%s within %.0f–%.0f%s", m, value, unit, l.WarnLow, l.WarnHigh, unit)
	}
	direction := "high"
	if value < l.WarnLow {
		direction = "low"
	}
	return fmt.Sprintf("%s %.1f%s is %s (%s), optimal %.0f–%.0f%s",
		m, value, unit, direction, sev, l.WarnLow, l.WarnHigh, unit)
}
