package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/embedding"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/vectorindex"
)

const (
	DefaultTopK = 5
	MaxTopK     = 100
)

type RetrieverConfig struct {
	Logger   *slog.Logger
	Embedder embedding.Embedder
	Index    vectorindex.Index

	// Items resolves match IDs back to knowledge items for RetrieveItems.
	Items []knowledge.Item
}

func (c *RetrieverConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Embedder == nil {
		return errors.New("embedder is required")
	}
	if c.Index == nil {
		return errors.New("index is required")
	}
	return nil
}

type Result struct {
	Count   int                 `json:"count"`
	Matches []vectorindex.Match `json:"matches"`
}

// Retriever finds the knowledge items closest to a free-text query. It never
// writes to the index.
type Retriever struct {
	log   *slog.Logger
	cfg   RetrieverConfig
	items map[string]knowledge.Item
}

func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	items := make(map[string]knowledge.Item, len(cfg.Items))
	for _, it := range cfg.Items {
		items[it.ID()] = it
	}
	return &Retriever{log: cfg.Logger, cfg: cfg, items: items}, nil
}

// Retrieve returns at most topK matches, most similar first. A non-positive
// topK means DefaultTopK; values above MaxTopK are capped.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, fmt.Errorf("%w: query is empty", compiler.ErrMissingContext)
	}
	topK = normalizeTopK(topK)

	vecs, err := r.cfg.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return Result{}, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != r.cfg.Embedder.Dim() {
		return Result{}, fmt.Errorf("%w: unexpected query embedding shape", ErrEmbeddingShapeMismatch)
	}

	matches, err := r.cfg.Index.Query(ctx, vecs[0], topK)
	if err != nil {
		return Result{}, fmt.Errorf("failed to query index: %w", err)
	}
	if matches == nil {
		matches = []vectorindex.Match{}
	}
	r.log.Debug("retrieval: query", "query", query, "topK", topK, "matches", len(matches))
	return Result{Count: len(matches), Matches: matches}, nil
}

// RetrieveItems is Retrieve resolved to corpus items. Matches whose IDs are not
// in the corpus (for example from an older corpus version) are skipped.
func (r *Retriever) RetrieveItems(ctx context.Context, query string, topK int) ([]knowledge.Item, error) {
	res, err := r.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	items := make([]knowledge.Item, 0, len(res.Matches))
	for _, m := range res.Matches {
		if it, ok := r.items[m.ID]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}

func normalizeTopK(topK int) int {
	if topK <= 0 {
		return DefaultTopK
	}
	return min(topK, MaxTopK)
}
