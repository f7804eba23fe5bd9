package embedding

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

	"github.com/klauspost/compress/gzhttp"
	"github.com/malbeclabs/askql/internal/metrics"
)

const (
	DefaultOllamaURL = "http://localhost:11434"
	DefaultModel     = "mxbai-embed-large"
	DefaultDim       = 1024
)

type OllamaConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	Model      string
	Dim        int
	HTTPClient *http.Client
}

func (c *OllamaConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultOllamaURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Dim <= 0 {
		c.Dim = DefaultDim
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Transport: gzhttp.Transport(http.DefaultTransport)}
	}
	return nil
}

// OllamaEmbedder calls Ollama's batch /api/embed endpoint.
type OllamaEmbedder struct {
	log        *slog.Logger
	baseURL    string
	model      string
	dim        int
	httpClient *http.Client
}

func NewOllamaEmbedder(cfg OllamaConfig) (*OllamaEmbedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &OllamaEmbedder{
		log:        cfg.Logger,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dim:        cfg.Dim,
		httpClient: cfg.HTTPClient,
	}, nil
}

func (e *OllamaEmbedder) Dim() int {
	return e.dim
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out, err := e.embed(ctx, texts)
	if err != nil {
		metrics.EmbedCallsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbedCallsTotal.WithLabelValues("success").Inc()
	e.log.Debug("embedding: embedded texts", "count", len(texts), "model", e.model)
	return out, nil
}

func (e *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	b, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("ollama embed http %d: %s", resp.StatusCode, string(body))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Embeddings, nil
}
