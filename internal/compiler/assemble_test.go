package compiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	id   string
	text string
}

func (i testItem) ID() string               { return i.id }
func (i testItem) Text() string             { return i.text }
func (i testItem) Metadata() map[string]any { return nil }

func testSchema() *knowledge.Schema {
	return &knowledge.Schema{
		Table: "movies",
		Columns: []knowledge.Column{
			{Name: "Series_Title", Type: knowledge.ColumnTypeVarchar, Nullable: true},
			{Name: "IMDB_Rating", Type: knowledge.ColumnTypeDouble, Nullable: true},
			{Name: "Gross", Type: knowledge.ColumnTypeVarchar, Nullable: true},
		},
	}
}

func TestCompiler_Assemble(t *testing.T) {
	t.Parallel()

	t.Run("missing schema", func(t *testing.T) {
		t.Parallel()
		_, err := Assemble("top movies", nil, nil, 0)
		require.ErrorIs(t, err, ErrMissingContext)

		_, err = Assemble("top movies", &knowledge.Schema{Table: "movies"}, nil, 0)
		require.ErrorIs(t, err, ErrMissingContext)
	})

	t.Run("missing question", func(t *testing.T) {
		t.Parallel()
		_, err := Assemble("  \n ", testSchema(), nil, 0)
		require.ErrorIs(t, err, ErrMissingContext)
	})

	t.Run("keeps order, skips duplicates and blanks", func(t *testing.T) {
		t.Parallel()
		items := []knowledge.Item{
			testItem{id: "a", text: "first"},
			testItem{id: "b", text: "   "},
			testItem{id: "a", text: "dup"},
			nil,
			testItem{id: "c", text: " second "},
		}
		gc, err := Assemble("q", testSchema(), items, 0)
		require.NoError(t, err)
		require.Equal(t, "movies", gc.Table)
		require.Equal(t, []string{"first", "second"}, gc.Snippets)
		require.Contains(t, gc.SchemaJSON, `"column_name": "IMDB_Rating"`)
	})

	t.Run("bounds snippets", func(t *testing.T) {
		t.Parallel()
		var items []knowledge.Item
		for i := range 40 {
			items = append(items, testItem{id: fmt.Sprint(i), text: fmt.Sprintf("snippet %d", i)})
		}

		gc, err := Assemble("q", testSchema(), items, 0)
		require.NoError(t, err)
		require.Len(t, gc.Snippets, DefaultMaxSnippets)
		require.Equal(t, "snippet 0", gc.Snippets[0])

		gc, err = Assemble("q", testSchema(), items, 3)
		require.NoError(t, err)
		require.Equal(t, []string{"snippet 0", "snippet 1", "snippet 2"}, gc.Snippets)
	})
}

func TestCompiler_RenderSystemPrompt(t *testing.T) {
	t.Parallel()

	schema := testSchema()
	gc, err := Assemble("q", schema, []knowledge.Item{
		testItem{id: "1", text: "Gross is a string with commas."},
		testItem{id: "2", text: "Question\nSELECT 1\nExplanation"},
	}, 0)
	require.NoError(t, err)

	prompt := RenderSystemPrompt(gc)

	t.Run("output contract", func(t *testing.T) {
		t.Parallel()
		require.Contains(t, prompt, `"query"`)
		require.Contains(t, prompt, `"reason"`)
	})

	t.Run("schema verbatim", func(t *testing.T) {
		t.Parallel()
		schemaJSON, err := schema.JSON()
		require.NoError(t, err)
		require.Contains(t, prompt, schemaJSON)
		require.Contains(t, prompt, "Table name is movies")
	})

	t.Run("one snippet per line", func(t *testing.T) {
		t.Parallel()
		require.Contains(t, prompt, "\n  - Gross is a string with commas.\n")
		require.Contains(t, prompt, "\n  - Question | SELECT 1 | Explanation\n")
	})

	t.Run("rules", func(t *testing.T) {
		t.Parallel()
		for _, kw := range DeniedKeywords {
			require.Contains(t, prompt, kw)
		}
		require.Contains(t, prompt, "single read-only SELECT")
		require.Contains(t, prompt, "ILIKE '%value%'")
		require.Contains(t, prompt, "CAST(REPLACE(Gross, ',', '') AS BIGINT)")
		require.Contains(t, prompt, "simplest reasonable interpretation")
		require.Contains(t, prompt, "exactly as they appear in the schema")
		require.NotContains(t, prompt, "{{")
	})

	t.Run("pure", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, prompt, RenderSystemPrompt(gc))
	})

	t.Run("no snippets", func(t *testing.T) {
		t.Parallel()
		p := RenderSystemPrompt(GroundingContext{Table: "movies", SchemaJSON: "[]"})
		require.True(t, strings.Contains(p, "(none)"))
	})
}
