package embedding

import "context"

// Embedder turns texts into fixed-dimension vectors. Implementations return
// exactly one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}
