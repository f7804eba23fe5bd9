package vectorindex

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
)

// Memory is an exact, in-process index. It backs tests and runs where no
// index path is configured.
type Memory struct {
	mu      sync.RWMutex
	dim     int
	records map[string]Record
}

func NewMemory(dim int) *Memory {
	return &Memory{dim: dim, records: make(map[string]Record)}
}

func (m *Memory) Upsert(ctx context.Context, records []Record) error {
	for _, r := range records {
		if m.dim > 0 && len(r.Embedding) != m.dim {
			return fmt.Errorf("%w: record %s has %d, want %d", ErrDimensionMismatch, r.ID, len(r.Embedding), m.dim)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.ID] = Record{
			ID:        r.ID,
			Embedding: append([]float32(nil), r.Embedding...),
			Metadata:  maps.Clone(r.Metadata),
		}
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, embedding []float32, topK int) ([]Match, error) {
	if m.dim > 0 && len(embedding) != m.dim {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(embedding), m.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.records))
	for _, r := range m.records {
		matches = append(matches, Match{
			ID:       r.ID,
			Score:    cosine(embedding, r.Embedding),
			Metadata: maps.Clone(r.Metadata),
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *Memory) Close() error {
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
