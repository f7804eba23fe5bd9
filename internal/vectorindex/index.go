package vectorindex

import (
	"context"
	"errors"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one embedded knowledge item. Upserting an existing ID replaces it.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Index is a similarity index keyed by record ID.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, embedding []float32, topK int) ([]Match, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
