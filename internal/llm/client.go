package llm

import (
	"context"
	"errors"
)

// ErrUpstreamModel wraps every failure of the generative backend.
var ErrUpstreamModel = errors.New("upstream model error")

// Client completes a single system+user exchange and returns the raw reply.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)
