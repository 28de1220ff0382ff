package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/telemetry"
)

// handlePredict forwards a reading to the yield-prediction service and
// returns the classified result.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.predictor == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "predictor is not configured")
		return
	}

	var reading telemetry.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if reading.Chamber == "" {
		reading.Chamber = "adhoc"
	}

	pred, err := s.predictor.Predict(r.Context(), reading)
	if err != nil {
		s.logger.Warn("prediction failed", "chamber", reading.Chamber, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "prediction backend error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, pred, s.logger)
}

// handleReadingCreate ingests one reading over HTTP. The same payload
// shape arrives over MQTT on <prefix>/<chamber>/reading.
func (s *Server) handleReadingCreate(w http.ResponseWriter, r *http.Request) {
	var reading telemetry.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := reading.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.readings.Insert(&reading); err != nil {
		s.logger.Error("store reading failed", "chamber", reading.Chamber, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTelemetry,
		Kind:      events.KindReadingIngested,
		Data: map[string]any{
			"chamber":      reading.Chamber,
			"species":      string(reading.Species),
			"temp_c":       reading.TempC,
			"humidity_pct": reading.HumidityPct,
			"co2_ppm":      reading.CO2PPM,
		},
	})

	if s.evaluator != nil {
		if _, err := s.evaluator.Process(r.Context(), reading); err != nil {
			s.logger.Error("alert evaluation failed", "chamber", reading.Chamber, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, reading, s.logger)
}

// handleReadingImport bulk-loads historical readings. The body format
// is chosen by Content-Type: text/csv for CSV exports, anything else
// is treated as a JSON array.
func (s *Server) handleReadingImport(w http.ResponseWriter, r *http.Request) {
	var (
		result *telemetry.ImportResult
		err    error
	)
	if strings.Contains(r.Header.Get("Content-Type"), "csv") {
		result, err = s.readings.ImportCSV(r.Body)
	} else {
		result, err = s.readings.ImportJSON(r.Body)
	}
	if err != nil {
		s.logger.Error("reading import failed", "error", err)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("readings imported",
		"imported", result.Imported,
		"skipped", result.Skipped,
	)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// handleLatestAll returns the newest reading per chamber, the
// dashboard's overview payload.
func (s *Server) handleLatestAll(w http.ResponseWriter, r *http.Request) {
	readings, err := s.readings.LatestAll()
	if err != nil {
		s.logger.Error("load latest readings failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"readings": readings}, s.logger)
}

func (s *Server) handleChambers(w http.ResponseWriter, r *http.Request) {
	chambers, err := s.readings.Chambers()
	if err != nil {
		s.logger.Error("load chambers failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"chambers": chambers}, s.logger)
}

// handleChamberReadings returns a time window of readings, thinned to
// max_points for charting. Defaults: last 24 hours, 500 points.
func (s *Server) handleChamberReadings(w http.ResponseWriter, r *http.Request) {
	chamber := r.PathValue("chamber")
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}

	maxPoints := 500
	if v := q.Get("max_points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid max_points")
			return
		}
		maxPoints = n
	}

	readings, err := s.readings.Series(chamber, from, to, maxPoints)
	if err != nil {
		s.logger.Error("load reading series failed", "chamber", chamber, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"chamber":  chamber,
		"from":     from,
		"to":       to,
		"readings": readings,
	}, s.logger)
}

func (s *Server) handleChamberLatest(w http.ResponseWriter, r *http.Request) {
	chamber := r.PathValue("chamber")
	reading, err := s.readings.Latest(chamber)
	if err != nil {
		s.logger.Error("load latest reading failed", "chamber", chamber, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if reading == nil {
		s.errorResponse(w, http.StatusNotFound, "no readings for chamber")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reading, s.logger)
}
