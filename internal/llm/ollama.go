package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/thane-core/internal/httpkit"
)

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// OllamaOption configures an [OllamaClient].
type OllamaOption func(*OllamaClient)

// WithTemperature sets the sampling temperature. Zero leaves the model
// default.
func WithTemperature(t float64) OllamaOption {
	return func(c *OllamaClient) { c.temperature = t }
}

// WithMaxTokens caps generated tokens. Zero leaves the model default.
func WithMaxTokens(n int) OllamaOption {
	return func(c *OllamaClient) { c.maxTokens = n }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) OllamaOption {
	return func(c *OllamaClient) { c.httpClient = hc }
}

// OllamaClient is a [Client] for the Ollama chat API.
type OllamaClient struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	temperature float64
	maxTokens   int
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
// The HTTP client has no overall timeout; callers bound calls with ctx.
func NewOllamaClient(baseURL string, logger *slog.Logger, opts ...OllamaOption) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []ollamaTool   `json:"tools,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaTool struct {
	Type     string   `json:"type"`
	Function ToolSpec `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
	EvalDuration    int64   `json:"eval_duration,omitempty"`
}

func (r *ollamaResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     created,
		Message:       r.Message,
		Done:          r.Done,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
}

// Chat sends a non-streaming completion request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a streaming request when callback is non-nil and a
// single-shot request otherwise.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: t})
	}
	if c.temperature != 0 || c.maxTokens != 0 {
		req.Options = &ollamaOptions{Temperature: c.temperature, NumPredict: c.maxTokens}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, levelTrace, "ollama request", "model", model, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var final *ChatResponse
	if !stream {
		var r ollamaResponse
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		final = r.toChatResponse()
	} else {
		final, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}
	return final, nil
}

// readStream consumes newline-delimited JSON chunks.
func (c *OllamaClient) readStream(r io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var content strings.Builder
	var toolCalls []ToolCall
	dec := json.NewDecoder(r)

	for {
		var chunk ollamaResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("stream ended before done")
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = chunk.Message.ToolCalls
		}

		if chunk.Done {
			final := chunk.toChatResponse()
			final.Message.Content = content.String()
			final.Message.ToolCalls = toolCalls
			callback(StreamEvent{Kind: KindDone, Response: final})
			return final, nil
		}
	}
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of the native field. Handles a bare
// {"name","arguments"} object, an array of them, and the same wrapped
// in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var calls []FunctionCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		out := make([]ToolCall, 0, len(calls))
		for _, fc := range calls {
			if fc.Name != "" {
				out = append(out, ToolCall{Function: fc})
			}
		}
		return out
	}

	var single FunctionCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Function: single}}
	}
	return nil
}

// Ping checks that the Ollama server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
