package knowledge

import (
	"embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var dataFS embed.FS

var ErrInvalidCorpus = errors.New("invalid corpus")

type ExampleCategory struct {
	Category string          `yaml:"category"`
	Examples []WorkedExample `yaml:"examples"`
}

// Corpus is the curated knowledge shipped with the binary. It is loaded once
// at startup and never mutated.
type Corpus struct {
	Version     string            `yaml:"version"`
	Metrics     []MetricRecipe    `yaml:"metrics"`
	ColumnNotes []ColumnNote      `yaml:"column_notes"`
	Examples    []ExampleCategory `yaml:"examples"`
	Templates   []QueryTemplate   `yaml:"templates"`
	Snippets    []Snippet         `yaml:"snippets"`
}

// Items flattens the corpus into indexable items in a stable order: metrics,
// column notes, worked examples, templates, then snippets.
func (c *Corpus) Items() []Item {
	items := make([]Item, 0, len(c.Metrics)+len(c.ColumnNotes)+len(c.Templates)+len(c.Snippets)+len(c.Examples)*3)
	for _, m := range c.Metrics {
		items = append(items, m)
	}
	for _, n := range c.ColumnNotes {
		items = append(items, n)
	}
	for _, cat := range c.Examples {
		for _, ex := range cat.Examples {
			items = append(items, ex)
		}
	}
	for _, t := range c.Templates {
		items = append(items, t)
	}
	for _, s := range c.Snippets {
		items = append(items, s)
	}
	return items
}

// SnippetItems returns the static snippets as items, for the non-retrieval path.
func (c *Corpus) SnippetItems() []Item {
	items := make([]Item, len(c.Snippets))
	for i, s := range c.Snippets {
		items[i] = s
	}
	return items
}

// WorkedExamples returns every worked example across categories.
func (c *Corpus) WorkedExamples() []WorkedExample {
	var out []WorkedExample
	for _, cat := range c.Examples {
		out = append(out, cat.Examples...)
	}
	return out
}

func (c *Corpus) Validate(schema *Schema) error {
	if c.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidCorpus)
	}
	seen := make(map[string]struct{})
	for _, it := range c.Items() {
		if _, ok := seen[it.ID()]; ok {
			return fmt.Errorf("%w: duplicate item id %s", ErrInvalidCorpus, it.ID())
		}
		seen[it.ID()] = struct{}{}
		if it.Text() == "" {
			return fmt.Errorf("%w: item %s has no text", ErrInvalidCorpus, it.ID())
		}
	}
	if schema != nil {
		for _, n := range c.ColumnNotes {
			if _, ok := schema.Column(n.Column); !ok {
				return fmt.Errorf("%w: column note references unknown column %s", ErrInvalidCorpus, n.Column)
			}
		}
	}
	return nil
}

// Load parses the embedded schema and corpus assets.
func Load() (*Schema, *Corpus, error) {
	schema, err := LoadSchema("data/schema.yaml")
	if err != nil {
		return nil, nil, err
	}
	corpus, err := LoadCorpus("data/corpus.yaml")
	if err != nil {
		return nil, nil, err
	}
	if err := corpus.Validate(schema); err != nil {
		return nil, nil, err
	}
	return schema, corpus, nil
}

func LoadSchema(path string) (*Schema, error) {
	data, err := dataFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseSchema(data)
}

func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadCorpus(path string) (*Corpus, error) {
	data, err := dataFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseCorpus(data)
}

func ParseCorpus(data []byte) (*Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse corpus: %w", err)
	}
	for i := range c.Examples {
		for j := range c.Examples[i].Examples {
			c.Examples[i].Examples[j].Category = c.Examples[i].Category
			c.Examples[i].Examples[j].Index = j
		}
	}
	return &c, nil
}
