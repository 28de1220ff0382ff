// Package api implements the dashboard-facing HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/datanyx/fungid/internal/alerts"
	"github.com/datanyx/fungid/internal/buildinfo"
	"github.com/datanyx/fungid/internal/connwatch"
	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/expert"
	"github.com/datanyx/fungid/internal/guides"
	"github.com/datanyx/fungid/internal/llm"
	"github.com/datanyx/fungid/internal/memory"
	"github.com/datanyx/fungid/internal/predictor"
	"github.com/datanyx/fungid/internal/telemetry"
	"github.com/datanyx/fungid/internal/web"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	expert    *expert.Expert
	llm       *llm.OllamaClient
	model     string
	predictor *predictor.Client
	readings  *telemetry.Store
	alerts    *alerts.Store
	evaluator *alerts.Evaluator
	guides    *guides.Store
	memory    *memory.Store
	watch     *connwatch.Manager
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
}

// Deps collects the server's collaborators. expert, readings, memory,
// and logger are required for normal operation; the rest may be nil
// and their endpoints degrade accordingly.
type Deps struct {
	Expert    *expert.Expert
	LLM       *llm.OllamaClient
	Model     string
	Predictor *predictor.Client
	Readings  *telemetry.Store
	Alerts    *alerts.Store
	Evaluator *alerts.Evaluator
	Guides    *guides.Store
	Memory    *memory.Store
	Watch     *connwatch.Manager
	Bus       *events.Bus
	Logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		expert:    deps.Expert,
		llm:       deps.LLM,
		model:     deps.Model,
		predictor: deps.Predictor,
		readings:  deps.Readings,
		alerts:    deps.Alerts,
		evaluator: deps.Evaluator,
		guides:    deps.Guides,
		memory:    deps.Memory,
		watch:     deps.Watch,
		bus:       deps.Bus,
		logger:    logger,
	}
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	// Prediction
	mux.HandleFunc("POST /api/predict", s.handlePredict)

	// Telemetry
	mux.HandleFunc("POST /api/readings", s.handleReadingCreate)
	mux.HandleFunc("POST /api/readings/import", s.handleReadingImport)
	mux.HandleFunc("GET /api/readings/latest", s.handleLatestAll)
	mux.HandleFunc("GET /api/chambers", s.handleChambers)
	mux.HandleFunc("GET /api/chambers/{chamber}/readings", s.handleChamberReadings)
	mux.HandleFunc("GET /api/chambers/{chamber}/latest", s.handleChamberLatest)

	// Alerts
	mux.HandleFunc("GET /api/alerts", s.handleAlertsActive)
	mux.HandleFunc("GET /api/alerts/history", s.handleAlertsHistory)

	// Guides
	mux.HandleFunc("GET /api/guides/subjects", s.handleGuideSubjects)
	mux.HandleFunc("GET /api/guides/{subject}", s.handleGuideEntries)

	// Live event feed
	mux.HandleFunc("GET /api/events/ws", s.handleEventsWS)

	// Health and metadata
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/qr", s.handleQR)

	// Dashboard UI
	web.RegisterRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute, // chat completions can be slow
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports daemon health plus the state of every watched
// backend. The daemon itself answering counts as healthy; degraded
// backends show up in the services map without failing the endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
	}

	if s.watch != nil {
		services := s.watch.Status()
		resp["services"] = services
		for _, svc := range services {
			if !svc.Ready {
				resp["status"] = "degraded"
				break
			}
		}
	}
	if s.llm != nil && s.model != "" {
		chat := map[string]any{"model": s.model}
		checkCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		ok, err := s.llm.HasModel(checkCtx, s.model)
		cancel()
		switch {
		case err != nil:
			chat["model_present"] = false
			chat["error"] = err.Error()
			resp["status"] = "degraded"
		case !ok:
			chat["model_present"] = false
			resp["status"] = "degraded"
		default:
			chat["model_present"] = true
		}
		resp["chat"] = chat
	}
	if s.readings != nil {
		resp["telemetry"] = s.readings.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
