package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/malbeclabs/askql/internal/metrics"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llama3.1:8b"
)

type OllamaConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	Model      string
	MaxTokens  int64
	HTTPClient *http.Client
}

func (c *OllamaConfig) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultOllamaURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultOllamaModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Transport: gzhttp.Transport(http.DefaultTransport)}
	}
	return nil
}

// OllamaClient implements Client against Ollama's /api/chat endpoint.
type OllamaClient struct {
	log        *slog.Logger
	baseURL    string
	model      string
	maxTokens  int64
	httpClient *http.Client
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &OllamaClient{
		log:        cfg.Logger,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: cfg.HTTPClient,
	}, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *OllamaClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := c.chat(ctx, ollamaChatRequest{
		Model: c.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"num_predict": c.maxTokens,
		},
	})
	duration := time.Since(start)
	if err != nil {
		metrics.LLMCallDuration.WithLabelValues(ProviderOllama, "error").Observe(duration.Seconds())
		c.log.Error("llm: ollama call failed", "duration", duration, "error", err)
		return "", fmt.Errorf("%w: %w", ErrUpstreamModel, err)
	}
	metrics.LLMCallDuration.WithLabelValues(ProviderOllama, "success").Observe(duration.Seconds())
	c.log.Debug("llm: ollama call completed", "duration", duration, "model", out.Model)

	return out.Message.Content, nil
}

// chat posts to /api/chat. Ollama may send newline-delimited chunks even when
// streaming is off, so content is accumulated across lines.
func (c *OllamaClient) chat(ctx context.Context, req ollamaChatRequest) (ollamaChatResponse, error) {
	var out ollamaChatResponse

	b, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("json marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return out, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("ollama chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return out, fmt.Errorf("ollama chat http %d: %s", resp.StatusCode, string(body))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return out, fmt.Errorf("stream decode: %w", err)
		}
		if chunk.Error != "" {
			return out, fmt.Errorf("ollama error: %s", chunk.Error)
		}
		out.Message.Content += chunk.Message.Content
		if chunk.Message.Role != "" {
			out.Message.Role = chunk.Message.Role
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		out.Done = chunk.Done
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("stream read: %w", err)
	}

	return out, nil
}
