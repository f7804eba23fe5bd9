package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
)

type SQVectConfig struct {
	Logger *slog.Logger
	Path   string
	Dim    int
}

func (c *SQVectConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.Dim <= 0 {
		return errors.New("dimension must be positive")
	}
	return nil
}

// SQVect is a SQLite-backed index. Search is exact (flat) since the corpus is
// small enough that an approximate index buys nothing.
type SQVect struct {
	log   *slog.Logger
	dim   int
	store *core.SQLiteStore
}

func NewSQVect(ctx context.Context, cfg SQVectConfig) (*SQVect, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	storeCfg := core.DefaultConfig()
	storeCfg.Path = cfg.Path
	storeCfg.VectorDim = cfg.Dim
	storeCfg.IndexType = core.IndexTypeFlat
	storeCfg.HNSW.Enabled = false
	storeCfg.SimilarityFn = core.CosineSimilarity

	store, err := core.NewWithConfig(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	cfg.Logger.Info("vectorindex: opened sqvect store", "path", cfg.Path, "dim", cfg.Dim)
	return &SQVect{log: cfg.Logger, dim: cfg.Dim, store: store}, nil
}

func (s *SQVect) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	embs := make([]*core.Embedding, len(records))
	for i, r := range records {
		if len(r.Embedding) != s.dim {
			return fmt.Errorf("%w: record %s has %d, want %d", ErrDimensionMismatch, r.ID, len(r.Embedding), s.dim)
		}
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		embs[i] = &core.Embedding{
			ID:       r.ID,
			Vector:   r.Embedding,
			Metadata: meta,
		}
	}
	if err := s.store.UpsertBatch(ctx, embs); err != nil {
		return fmt.Errorf("failed to upsert %d records: %w", len(records), err)
	}
	return nil
}

func (s *SQVect) Query(ctx context.Context, embedding []float32, topK int) ([]Match, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(embedding), s.dim)
	}
	if topK <= 0 {
		return nil, nil
	}
	results, err := s.store.Search(ctx, embedding, core.SearchOptions{TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			ID:       r.ID,
			Score:    r.Score,
			Metadata: decodeMetadata(r.Metadata),
		})
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *SQVect) Count(ctx context.Context) (int, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get vector store stats: %w", err)
	}
	return int(stats.Count), nil
}

func (s *SQVect) Close() error {
	return s.store.Close()
}

// sqvect stores string metadata. Every value is stored as JSON so that
// decodeMetadata returns what was upserted, modulo JSON's number type.
func encodeMetadata(meta map[string]any) (map[string]string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// decodeMetadata keeps values that are not valid JSON as raw strings, which
// covers rows written by other tools.
func decodeMetadata(meta map[string]string) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			out[k] = v
			continue
		}
		out[k] = decoded
	}
	return out
}
