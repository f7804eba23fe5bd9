package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/llm"
	"github.com/malbeclabs/askql/internal/metrics"
)

const (
	DefaultRetrievalTopK = 5
	DefaultTimeout       = 60 * time.Second
)

type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Retriever returns the knowledge items most similar to a question.
type Retriever interface {
	RetrieveItems(ctx context.Context, query string, topK int) ([]knowledge.Item, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	LLM    LLMClient
	Schema *knowledge.Schema

	// Snippets are always offered to the model, after any retrieved items.
	Snippets []knowledge.Item

	// Retriever is optional. When set, retrieved items ground the prompt and
	// a retrieval failure falls back to Snippets alone.
	Retriever     Retriever
	RetrievalTopK int

	MaxSnippets int
	Timeout     time.Duration

	// CacheTTL keeps accepted compilations for repeated questions. Zero
	// disables the cache.
	CacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = DefaultRetrievalTopK
	}
	if c.MaxSnippets <= 0 {
		c.MaxSnippets = DefaultMaxSnippets
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// Compiler turns a question into a guardrail-approved query.
type Compiler struct {
	log   *slog.Logger
	cfg   Config
	cache *ristretto.Cache
}

func New(cfg Config) (*Compiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	c := &Compiler{
		log: cfg.Logger,
		cfg: cfg,
	}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 100_000,
			MaxCost:     10_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create compile cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Close releases the compile cache.
func (c *Compiler) Close() error {
	if c.cache != nil {
		c.cache.Close()
	}
	return nil
}

func (c *Compiler) Schema() *knowledge.Schema {
	return c.cfg.Schema
}

// Compile runs assemble, prompt, model, parse and guardrail for one question.
// Nothing is retried.
func (c *Compiler) Compile(ctx context.Context, question string) (CompiledQuery, error) {
	start := c.cfg.Clock.Now()

	key := cacheKey(question)
	if c.cache != nil && key != "" {
		if v, ok := c.cache.Get(key); ok {
			metrics.CompilationsTotal.WithLabelValues("cached").Inc()
			return v.(CompiledQuery), nil
		}
	}

	items := c.groundingItems(ctx, question)
	gc, err := Assemble(question, c.cfg.Schema, items, c.cfg.MaxSnippets)
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues("missing_context").Inc()
		return CompiledQuery{}, err
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.cfg.LLM.Complete(llmCtx, RenderSystemPrompt(gc), RenderUserPrompt(question))
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues("upstream_error").Inc()
		if !errors.Is(err, llm.ErrUpstreamModel) {
			err = fmt.Errorf("%w: %w", llm.ErrUpstreamModel, err)
		}
		return CompiledQuery{}, err
	}

	parsed := Parse(raw)
	if parsed.Malformed() {
		c.log.Warn("compiler: model reply could not be parsed", "question", question, "replyLen", len(raw))
	}

	compiled, err := Validate(parsed)
	if err != nil {
		metrics.CompilationsTotal.WithLabelValues("rejected").Inc()
		metrics.GuardrailRejectionsTotal.WithLabelValues(rejectionReason(parsed)).Inc()
		c.log.Info("compiler: guardrail rejected query", "question", question, "error", err)
		return CompiledQuery{}, err
	}

	if c.cache != nil && key != "" {
		c.cache.SetWithTTL(key, compiled, 1, c.cfg.CacheTTL)
		c.cache.Wait()
	}

	metrics.CompilationsTotal.WithLabelValues("success").Inc()
	c.log.Debug("compiler: compiled", "question", question, "sql", compiled.Query, "duration", c.cfg.Clock.Since(start))
	return compiled, nil
}

func (c *Compiler) groundingItems(ctx context.Context, question string) []knowledge.Item {
	if c.cfg.Retriever == nil || strings.TrimSpace(question) == "" {
		return c.cfg.Snippets
	}
	retrieved, err := c.cfg.Retriever.RetrieveItems(ctx, question, c.cfg.RetrievalTopK)
	if err != nil {
		c.log.Warn("compiler: retrieval failed, using static snippets", "error", err)
		return c.cfg.Snippets
	}
	items := make([]knowledge.Item, 0, len(retrieved)+len(c.cfg.Snippets))
	items = append(items, retrieved...)
	items = append(items, c.cfg.Snippets...)
	return items
}

// cacheKey folds case and whitespace so trivially different spellings of a
// question share an entry.
func cacheKey(question string) string {
	return strings.ToLower(strings.Join(strings.Fields(question), " "))
}

func rejectionReason(p Parsed) string {
	switch {
	case p.Malformed():
		return "malformed"
	case cleanSQL(p.Query) == "":
		return "empty"
	default:
		return "denied_keyword"
	}
}
