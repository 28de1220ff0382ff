package api

import (
	"encoding/json"
	"net/http"

	"github.com/datanyx/fungid/internal/expert"
	"github.com/datanyx/fungid/internal/telemetry"
)

// chatRequest is the wire format for POST /api/chat.
type chatRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Chamber        string             `json:"chamber,omitempty"`
	Message        string             `json:"message"`
	Reading        *telemetry.Reading `json:"reading,omitempty"`
	Stream         bool               `json:"stream,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.expert == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	askReq := expert.AskRequest{
		ConversationID: req.ConversationID,
		Chamber:        req.Chamber,
		Question:       req.Message,
		Reading:        req.Reading,
	}

	if req.Stream {
		s.handleChatStream(w, r, askReq)
		return
	}

	resp, err := s.expert.Ask(r.Context(), askReq)
	if err != nil {
		s.logger.Error("chat failed", "chamber", req.Chamber, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "chat backend error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleChatStream delivers tokens as NDJSON lines, mirroring Ollama's
// own streaming format: {"token": "..."} per chunk, then a final line
// carrying the full response object with "done": true.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, askReq expert.AskRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	askReq.Stream = func(token string) {
		if err := enc.Encode(map[string]string{"token": token}); err != nil {
			return
		}
		flusher.Flush()
	}

	resp, err := s.expert.Ask(r.Context(), askReq)
	if err != nil {
		s.logger.Error("chat stream failed", "chamber", askReq.Chamber, "error", err)
		_ = enc.Encode(map[string]any{"done": true, "error": "chat backend error"})
		flusher.Flush()
		return
	}

	_ = enc.Encode(map[string]any{"done": true, "response": resp})
	flusher.Flush()
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	convs, err := s.memory.ListConversations()
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": convs}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	conv := s.memory.GetConversation(r.PathValue("id"))
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store unavailable")
		return
	}
	id := r.PathValue("id")
	if err := s.memory.Clear(id); err != nil {
		s.logger.Error("delete conversation failed", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "id": id}, s.logger)
}
