package knowledge

import (
	"fmt"
	"strings"
)

// Item is a curated piece of knowledge that can be embedded and retrieved.
type Item interface {
	ID() string
	Text() string
	Metadata() map[string]any
}

const (
	ItemTypeMetric     = "kpi"
	ItemTypeColumnNote = "columnNotes"
	ItemTypeExample    = "nlToSql"
	ItemTypeTemplate   = "template"
	ItemTypeSnippet    = "snippet"
)

// MetricRecipe is a named KPI with the query that computes it.
type MetricRecipe struct {
	Key         string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	SQL         string   `yaml:"sql"`
	Format      string   `yaml:"format"`
	Target      *float64 `yaml:"target,omitempty"`
	Category    string   `yaml:"category"`
}

func (m MetricRecipe) ID() string { return "kpi:" + m.Key }

func (m MetricRecipe) Text() string {
	return joinLines(m.Name, m.Description, m.SQL)
}

func (m MetricRecipe) Metadata() map[string]any {
	return map[string]any{
		"name":     m.Name,
		"category": m.Category,
		"type":     ItemTypeMetric,
	}
}

// ColumnNote carries business semantics for one schema column.
type ColumnNote struct {
	Column          string   `yaml:"column"`
	DataType        string   `yaml:"data_type"`
	Description     string   `yaml:"description"`
	BusinessContext string   `yaml:"business_context"`
	SearchTips      string   `yaml:"search_tips,omitempty"`
	Examples        []string `yaml:"examples,omitempty"`
}

func (c ColumnNote) ID() string { return "col:" + c.Column }

func (c ColumnNote) Text() string {
	return joinLines(c.Column, c.Description, c.BusinessContext, c.SearchTips)
}

func (c ColumnNote) Metadata() map[string]any {
	return map[string]any{
		"column": c.Column,
		"type":   ItemTypeColumnNote,
	}
}

// WorkedExample is a question paired with a known-good query.
type WorkedExample struct {
	Category    string `yaml:"-"`
	Index       int    `yaml:"-"`
	Question    string `yaml:"question"`
	SQL         string `yaml:"sql"`
	Explanation string `yaml:"explanation"`
}

func (e WorkedExample) ID() string { return fmt.Sprintf("nl:%s:%d", e.Category, e.Index) }

func (e WorkedExample) Text() string {
	return joinLines(e.Question, e.SQL, e.Explanation)
}

func (e WorkedExample) Metadata() map[string]any {
	return map[string]any{
		"category": e.Category,
		"type":     ItemTypeExample,
	}
}

// QueryTemplate is a parameterized query shape with {placeholders}.
type QueryTemplate struct {
	Name        string `yaml:"name"`
	Template    string `yaml:"template"`
	Description string `yaml:"description"`
}

func (t QueryTemplate) ID() string { return "qt:" + t.Name }

func (t QueryTemplate) Text() string {
	return joinLines(t.Name, t.Template, t.Description)
}

func (t QueryTemplate) Metadata() map[string]any {
	return map[string]any{
		"type": ItemTypeTemplate,
	}
}

// Snippet is a short static grounding fact. Snippets are indexed with the rest
// of the corpus and are also the fixed context when retrieval is unavailable.
type Snippet struct {
	Key       string   `yaml:"id"`
	Body      string   `yaml:"text"`
	Tables    []string `yaml:"tables"`
	Columns   []string `yaml:"columns"`
	DataTypes []string `yaml:"data_types"`
}

func (s Snippet) ID() string   { return "snip:" + s.Key }
func (s Snippet) Text() string { return s.Body }

func (s Snippet) Metadata() map[string]any {
	return map[string]any{
		"tables":    s.Tables,
		"columns":   s.Columns,
		"dataTypes": s.DataTypes,
		"type":      ItemTypeSnippet,
	}
}

func joinLines(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
