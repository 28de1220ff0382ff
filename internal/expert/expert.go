// Package expert orchestrates a grower's question: it gathers the
// chamber's latest reading, asks the yield predictor for context,
// composes the prompt, replays conversation history, and calls the
// chat model. Prediction and history are best-effort — a question is
// never rejected because a supporting backend is down.
package expert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/guides"
	"github.com/datanyx/fungid/internal/llm"
	"github.com/datanyx/fungid/internal/memory"
	"github.com/datanyx/fungid/internal/predictor"
	"github.com/datanyx/fungid/internal/prompts"
	"github.com/datanyx/fungid/internal/telemetry"
)

// maxGuideEntries caps how many guide entries are folded into the
// system prompt per question.
const maxGuideEntries = 12

// AskRequest is one grower question.
type AskRequest struct {
	// ConversationID continues an existing conversation; empty starts
	// a new one.
	ConversationID string

	// Chamber scopes the question to a grow chamber. When Reading is
	// nil, the chamber's latest stored reading is used.
	Chamber string

	// Question is the grower's free-text question. When empty and a
	// reading is available, a default conditions-assessment question
	// is substituted.
	Question string

	// Reading overrides the stored reading, for ad-hoc what-if
	// questions.
	Reading *telemetry.Reading

	// Stream receives tokens as the model produces them. Optional.
	Stream llm.StreamCallback
}

// AskResponse is the expert's answer plus the context that shaped it.
type AskResponse struct {
	ConversationID string                `json:"conversation_id"`
	Answer         string                `json:"answer"`
	Model          string                `json:"model"`
	Prediction     *predictor.Prediction `json:"prediction,omitempty"`
	Reading        *telemetry.Reading    `json:"reading,omitempty"`
	ElapsedMs      int64                 `json:"elapsed_ms"`
}

// Expert wires the backends together.
type Expert struct {
	llm       *llm.OllamaClient
	model     string
	predictor *predictor.Client
	readings  *telemetry.Store
	guides    *guides.Store
	memory    *memory.Store
	bus       *events.Bus
	logger    *slog.Logger
}

// Config collects the Expert's collaborators. predictor, readings,
// guides, and bus may be nil; llm, model, and memory are required.
type Config struct {
	LLM       *llm.OllamaClient
	Model     string
	Predictor *predictor.Client
	Readings  *telemetry.Store
	Guides    *guides.Store
	Memory    *memory.Store
	Bus       *events.Bus
	Logger    *slog.Logger
}

// New creates an Expert.
func New(cfg Config) (*Expert, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Expert{
		llm:       cfg.LLM,
		model:     cfg.Model,
		predictor: cfg.Predictor,
		readings:  cfg.Readings,
		guides:    cfg.Guides,
		memory:    cfg.Memory,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
	}, nil
}

// Ask answers one question.
func (e *Expert) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	start := time.Now()

	question := strings.TrimSpace(req.Question)
	reading := e.resolveReading(req)
	if question == "" && reading == nil {
		return nil, fmt.Errorf("question is required when no reading is available")
	}

	convID := req.ConversationID
	if convID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate conversation ID: %w", err)
		}
		convID = id.String()
	}

	pred := e.predict(ctx, reading)
	system := e.systemPrompt(reading)
	userPrompt := prompts.ComposeUserPrompt(reading, pred, question)

	messages := []llm.Message{{Role: "system", Content: system}}
	for _, m := range e.memory.GetMessages(convID) {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userPrompt})

	resp, err := e.llm.ChatStream(ctx, e.model, messages, nil, req.Stream)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	answer := resp.Message.Content

	// History stores the raw question, not the composed prompt, so
	// replayed turns stay readable and short.
	stored := question
	if stored == "" {
		stored = prompts.DefaultQuestion
	}
	if err := e.memory.AddMessage(convID, req.Chamber, "user", stored); err != nil {
		e.logger.Warn("store user message failed", "conversation", convID, "error", err)
	}
	if err := e.memory.AddMessage(convID, req.Chamber, "assistant", answer); err != nil {
		e.logger.Warn("store assistant message failed", "conversation", convID, "error", err)
	}

	elapsed := time.Since(start)
	e.logger.Info("question answered",
		"conversation", convID,
		"chamber", req.Chamber,
		"model", resp.Model,
		"prompt_tokens", resp.PromptEvalCount,
		"completion_tokens", resp.EvalCount,
		"elapsed", elapsed.Round(time.Millisecond).String(),
	)
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExpert,
		Kind:      events.KindChatComplete,
		Data: map[string]any{
			"conversation_id": convID,
			"chamber":         req.Chamber,
			"model":           resp.Model,
			"elapsed_ms":      elapsed.Milliseconds(),
		},
	})

	return &AskResponse{
		ConversationID: convID,
		Answer:         answer,
		Model:          resp.Model,
		Prediction:     pred,
		Reading:        reading,
		ElapsedMs:      elapsed.Milliseconds(),
	}, nil
}

// resolveReading picks the reading for this question: the explicit one
// when given, otherwise the chamber's latest stored reading.
func (e *Expert) resolveReading(req AskRequest) *telemetry.Reading {
	if req.Reading != nil {
		return req.Reading
	}
	if req.Chamber == "" || e.readings == nil {
		return nil
	}
	r, err := e.readings.Latest(req.Chamber)
	if err != nil {
		e.logger.Warn("load latest reading failed", "chamber", req.Chamber, "error", err)
		return nil
	}
	return r
}

// predict asks the yield predictor, returning nil on any failure so
// the chat proceeds without prediction context.
func (e *Expert) predict(ctx context.Context, reading *telemetry.Reading) *predictor.Prediction {
	if e.predictor == nil || reading == nil {
		return nil
	}
	pred, err := e.predictor.Predict(ctx, *reading)
	if err != nil {
		e.logger.Warn("yield prediction unavailable",
			"chamber", reading.Chamber,
			"error", err,
		)
		return nil
	}
	return pred
}

// systemPrompt builds the persona, enriched with imported guide
// entries for the reading's species when any exist.
func (e *Expert) systemPrompt(reading *telemetry.Reading) string {
	if e.guides == nil || reading == nil {
		return prompts.BaseSystemPrompt()
	}
	entries, err := e.guides.ForSubject(string(reading.Species), maxGuideEntries)
	if err != nil {
		e.logger.Warn("load guide entries failed", "species", reading.Species, "error", err)
		return prompts.BaseSystemPrompt()
	}
	return prompts.SystemPromptWithGuides(entries)
}
