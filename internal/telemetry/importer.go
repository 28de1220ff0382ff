package telemetry

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ImportResult summarizes a batch import. Row numbers in Errors are
// 1-based and count the header for CSV input, matching what a grower
// sees in a spreadsheet.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// maxImportErrors bounds the error list so a wholly malformed file
// doesn't produce a megabyte of diagnostics.
const maxImportErrors = 20

// ImportJSON reads a JSON array of readings and inserts each valid row.
func (s *Store) ImportJSON(r io.Reader) (*ImportResult, error) {
	var readings []Reading
	if err := json.NewDecoder(r).Decode(&readings); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	res := &ImportResult{}
	for i := range readings {
		if err := s.Insert(&readings[i]); err != nil {
			res.Skipped++
			if len(res.Errors) < maxImportErrors {
				res.Errors = append(res.Errors, fmt.Sprintf("entry %d: %v", i+1, err))
			}
			continue
		}
		res.Imported++
	}
	return res, nil
}

// csvColumns maps accepted header names to reading fields. The header
// match is case-insensitive with spaces and dashes treated as
// underscores, so "Substrate Moisture %" and "substrate_moisture_pct"
// both land on the same column.
var csvColumns = map[string]string{
	"chamber":                "chamber",
	"species":                "species",
	"temp_c":                 "temp_c",
	"temperature_c":          "temp_c",
	"temp_f":                 "temp_f",
	"temperature_f":          "temp_f",
	"humidity_pct":           "humidity_pct",
	"humidity":               "humidity_pct",
	"co2_ppm":                "co2_ppm",
	"co2":                    "co2_ppm",
	"light_lux":              "light_lux",
	"light":                  "light_lux",
	"substrate_moisture_pct": "substrate_moisture_pct",
	"substrate_moisture":     "substrate_moisture_pct",
	"substrate_moisture_%":   "substrate_moisture_pct",
	"water_quality_index":    "water_quality_index",
	"water_quality":          "water_quality_index",
	"recorded_at":            "recorded_at",
	"timestamp":              "recorded_at",
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	h = strings.ReplaceAll(h, "-", "_")
	return h
}

// ImportCSV reads header-mapped CSV rows and inserts each valid row.
// Temperatures may arrive as temp_c or temp_f; Fahrenheit values are
// converted on the way in. Timestamps accept RFC 3339 or
// "2006-01-02 15:04:05"; missing timestamps default to now.
func (s *Store) ImportCSV(r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	fields := make([]string, len(header))
	known := 0
	for i, h := range header {
		if f, ok := csvColumns[normalizeHeader(h)]; ok {
			fields[i] = f
			known++
		}
	}
	if known == 0 {
		return nil, fmt.Errorf("CSV header has no recognized columns (got: %s)", strings.Join(header, ", "))
	}

	res := &ImportResult{}
	line := 1 // header
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			res.Skipped++
			if len(res.Errors) < maxImportErrors {
				res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", line, err))
			}
			continue
		}

		reading, err := readingFromRecord(fields, record)
		if err == nil {
			err = s.Insert(reading)
		}
		if err != nil {
			res.Skipped++
			if len(res.Errors) < maxImportErrors {
				res.Errors = append(res.Errors, fmt.Sprintf("row %d: %v", line, err))
			}
			continue
		}
		res.Imported++
	}
	return res, nil
}

func readingFromRecord(fields, record []string) (*Reading, error) {
	var r Reading
	var tempF *float64
	tempCSet := false

	for i, field := range fields {
		if field == "" || i >= len(record) {
			continue
		}
		val := strings.TrimSpace(record[i])
		if val == "" {
			continue
		}

		switch field {
		case "chamber":
			r.Chamber = val
		case "species":
			r.Species = Species(val)
		case "recorded_at":
			t, err := parseTimestamp(val)
			if err != nil {
				return nil, fmt.Errorf("recorded_at: %w", err)
			}
			r.RecordedAt = t
		default:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a number", field, val)
			}
			switch field {
			case "temp_c":
				r.TempC = f
				tempCSet = true
			case "temp_f":
				tempF = &f
			case "humidity_pct":
				r.HumidityPct = f
			case "co2_ppm":
				r.CO2PPM = f
			case "light_lux":
				r.LightLux = f
			case "substrate_moisture_pct":
				r.SubstrateMoisturePct = f
			case "water_quality_index":
				r.WaterQualityIndex = f
			}
		}
	}

	// temp_c wins when both are present, including an explicit 0 °C.
	if tempF != nil && !tempCSet {
		r.TempC = FahrenheitToCelsius(*tempF)
	}

	return &r, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
