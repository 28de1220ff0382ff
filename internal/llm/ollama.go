// Package llm provides the chat-completion client for the Ollama backend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/datanyx/fungid/internal/config"
	"github.com/datanyx/fungid/internal/httpkit"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. baseURL defaults to the
// local daemon when empty.
func NewOllamaClient(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// ChatRequest is the request format for the Ollama chat API.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// Options are model parameters.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatResponse is the response from the Ollama chat API.
type ChatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	Error     string  `json:"error,omitempty"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// StreamCallback is called for each streamed token.
type StreamCallback func(token string)

// Chat sends a non-streaming chat completion request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, opts *Options) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, opts, nil)
}

// ChatStream sends a chat request. If callback is non-nil the request
// is streamed and tokens are delivered incrementally; the returned
// response carries the accumulated content either way.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, opts *Options, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  opts,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "ollama chat request",
		"model", model, "messages", len(messages), "payload", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, body)
	}

	if !stream {
		// Non-streaming: single JSON response
		var chatResp ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if chatResp.Error != "" {
			return nil, fmt.Errorf("ollama: %s", chatResp.Error)
		}
		return &chatResp, nil
	}

	// Streaming: read newline-delimited JSON
	var finalResp ChatResponse
	var contentBuilder strings.Builder
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(chunk.Message.Content)
		}

		if chunk.Done {
			finalResp = chunk
			finalResp.Message.Content = contentBuilder.String()
			break
		}
	}

	return &finalResp, nil
}

// Ping checks if the Ollama backend is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns the names of models available on the backend.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the configured model is present on the
// backend. A model named "llama3.2" matches both "llama3.2" and
// "llama3.2:latest" in the tag list.
func (c *OllamaClient) HasModel(ctx context.Context, model string) (bool, error) {
	names, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == model || strings.TrimSuffix(name, ":latest") == model || strings.HasPrefix(name, model+":") {
			return true, nil
		}
	}
	return false, nil
}
