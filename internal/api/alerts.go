package api

import (
	"net/http"
	"strconv"

	"github.com/datanyx/fungid/internal/guides"
)

// handleAlertsActive returns open alerts, optionally filtered by
// ?chamber=.
func (s *Server) handleAlertsActive(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "alerts are not configured")
		return
	}
	active, err := s.alerts.Active(r.URL.Query().Get("chamber"))
	if err != nil {
		s.logger.Error("load active alerts failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"alerts": active}, s.logger)
}

// handleAlertsHistory returns recent alerts, active or resolved.
// ?limit= caps the result (default 100).
func (s *Server) handleAlertsHistory(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "alerts are not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recent, err := s.alerts.Recent(limit)
	if err != nil {
		s.logger.Error("load alert history failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"alerts": recent}, s.logger)
}

func (s *Server) handleGuideSubjects(w http.ResponseWriter, r *http.Request) {
	if s.guides == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "guides are not configured")
		return
	}
	subjects, err := s.guides.Subjects()
	if err != nil {
		s.logger.Error("load guide subjects failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"subjects": subjects}, s.logger)
}

func (s *Server) handleGuideEntries(w http.ResponseWriter, r *http.Request) {
	if s.guides == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "guides are not configured")
		return
	}
	subject := r.PathValue("subject")
	entries, err := s.guides.ForSubject(subject, 0)
	if err != nil {
		s.logger.Error("load guide entries failed", "subject", subject, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	if entries == nil {
		entries = []guides.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"subject": subject, "entries": entries}, s.logger)
}
