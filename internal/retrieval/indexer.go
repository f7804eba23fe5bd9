package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/askql/internal/embedding"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/metrics"
	"github.com/malbeclabs/askql/internal/vectorindex"
)

const DefaultBatchSize = 64

// ErrEmbeddingShapeMismatch aborts indexing when the embedder returns the
// wrong number of vectors or a vector of the wrong dimension.
var ErrEmbeddingShapeMismatch = errors.New("embedding shape mismatch")

type IndexerConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Embedder  embedding.Embedder
	Index     vectorindex.Index
	BatchSize int
}

func (c *IndexerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Embedder == nil {
		return errors.New("embedder is required")
	}
	if c.Index == nil {
		return errors.New("index is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return nil
}

type Indexer struct {
	log *slog.Logger
	cfg IndexerConfig
}

func NewIndexer(cfg IndexerConfig) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Indexer{log: cfg.Logger, cfg: cfg}, nil
}

// Index embeds and upserts items one batch at a time, in order. On a shape
// mismatch it stops; batches already upserted stay in the index.
func (ix *Indexer) Index(ctx context.Context, items []knowledge.Item) (int, error) {
	start := ix.cfg.Clock.Now()
	dim := ix.cfg.Embedder.Dim()
	indexed := 0

	for lo := 0; lo < len(items); lo += ix.cfg.BatchSize {
		hi := min(lo+ix.cfg.BatchSize, len(items))
		batch := items[lo:hi]

		texts := make([]string, len(batch))
		for i, it := range batch {
			texts[i] = it.Text()
		}

		vecs, err := ix.cfg.Embedder.Embed(ctx, texts)
		if err != nil {
			metrics.IndexRunsTotal.WithLabelValues("error").Inc()
			return indexed, fmt.Errorf("failed to embed batch %d-%d: %w", lo, hi, err)
		}
		if len(vecs) != len(batch) {
			metrics.IndexRunsTotal.WithLabelValues("error").Inc()
			return indexed, fmt.Errorf("%w: got %d embeddings for batch of %d", ErrEmbeddingShapeMismatch, len(vecs), len(batch))
		}

		records := make([]vectorindex.Record, len(batch))
		for i, it := range batch {
			if len(vecs[i]) != dim {
				metrics.IndexRunsTotal.WithLabelValues("error").Inc()
				return indexed, fmt.Errorf("%w: embedding for %s has dimension %d, want %d", ErrEmbeddingShapeMismatch, it.ID(), len(vecs[i]), dim)
			}
			records[i] = vectorindex.Record{
				ID:        it.ID(),
				Embedding: vecs[i],
				Metadata:  it.Metadata(),
			}
		}

		if err := ix.cfg.Index.Upsert(ctx, records); err != nil {
			metrics.IndexRunsTotal.WithLabelValues("error").Inc()
			return indexed, fmt.Errorf("failed to upsert batch %d-%d: %w", lo, hi, err)
		}
		indexed += len(records)
		metrics.IndexUpsertsTotal.Add(float64(len(records)))
		ix.log.Debug("retrieval: upserted batch", "from", lo, "to", hi)
	}

	metrics.IndexRunsTotal.WithLabelValues("success").Inc()
	ix.log.Info("retrieval: indexed corpus", "count", indexed, "duration", ix.cfg.Clock.Since(start))
	return indexed, nil
}
