package compiler

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/askql/internal/knowledge"
)

const DefaultMaxSnippets = 16

// GroundingContext is everything the model is told about the data before it
// sees the question.
type GroundingContext struct {
	Table      string
	SchemaJSON string
	Snippets   []string
}

// Assemble merges the schema and knowledge items into a grounding context.
// Items keep their order; duplicates by id and empty texts are skipped, and at
// most maxSnippets texts are kept. A non-positive maxSnippets uses the default.
func Assemble(question string, schema *knowledge.Schema, items []knowledge.Item, maxSnippets int) (GroundingContext, error) {
	if strings.TrimSpace(question) == "" {
		return GroundingContext{}, fmt.Errorf("%w: question is empty", ErrMissingContext)
	}
	if schema.Empty() {
		return GroundingContext{}, fmt.Errorf("%w: schema is empty", ErrMissingContext)
	}
	if maxSnippets <= 0 {
		maxSnippets = DefaultMaxSnippets
	}

	schemaJSON, err := schema.JSON()
	if err != nil {
		return GroundingContext{}, err
	}

	seen := make(map[string]struct{}, len(items))
	snippets := make([]string, 0, min(len(items), maxSnippets))
	for _, it := range items {
		if len(snippets) == maxSnippets {
			break
		}
		if it == nil {
			continue
		}
		if _, ok := seen[it.ID()]; ok {
			continue
		}
		seen[it.ID()] = struct{}{}
		text := strings.TrimSpace(it.Text())
		if text == "" {
			continue
		}
		snippets = append(snippets, text)
	}

	return GroundingContext{
		Table:      schema.Table,
		SchemaJSON: schemaJSON,
		Snippets:   snippets,
	}, nil
}
