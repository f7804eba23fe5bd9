package compiler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/llm"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	mu           sync.Mutex
	calls        int
	lastSystem   string
	lastUser     string
	completeFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lastSystem = systemPrompt
	m.lastUser = userPrompt
	m.mu.Unlock()
	if m.completeFunc != nil {
		return m.completeFunc(ctx, systemPrompt, userPrompt)
	}
	return `{"query": "SELECT 1", "reason": "default"}`, nil
}

type mockRetriever struct {
	retrieveItemsFunc func(ctx context.Context, query string, topK int) ([]knowledge.Item, error)
}

func (m *mockRetriever) RetrieveItems(ctx context.Context, query string, topK int) ([]knowledge.Item, error) {
	return m.retrieveItemsFunc(ctx, query, topK)
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCompiler(t *testing.T, client LLMClient, retriever Retriever) *Compiler {
	t.Helper()
	cfg := Config{
		Logger:   testLogger(t),
		LLM:      client,
		Schema:   testSchema(),
		Snippets: []knowledge.Item{testItem{id: "static", text: "static snippet"}},
	}
	if retriever != nil {
		cfg.Retriever = retriever
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestCompiler_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{LLM: &mockLLM{}})
	require.Error(t, err)

	_, err = New(Config{Logger: testLogger(t)})
	require.Error(t, err)
}

func TestCompiler_Compile(t *testing.T) {
	t.Parallel()

	t.Run("top rated movies", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{completeFunc: func(ctx context.Context, _, _ string) (string, error) {
			return "Here is the query:\n```json\n{\"query\": \"SELECT * FROM movies ORDER BY IMDB_Rating DESC LIMIT 10;\", \"reason\": \"Sorted by rating\"}\n```", nil
		}}
		c := newTestCompiler(t, client, nil)

		got, err := c.Compile(t.Context(), "  Show me the top 10 highest rated movies ")
		require.NoError(t, err)
		require.Equal(t, "SELECT * FROM movies ORDER BY IMDB_Rating DESC LIMIT 10", got.Query)
		require.Equal(t, "Sorted by rating", got.Reason)

		require.Equal(t, "Show me the top 10 highest rated movies", client.lastUser)
		require.Contains(t, client.lastSystem, "static snippet")
		require.Contains(t, client.lastSystem, "IMDB_Rating")
	})

	t.Run("delete is rejected", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{completeFunc: func(ctx context.Context, systemPrompt, _ string) (string, error) {
			require.Contains(t, systemPrompt, "NO DDL/DML")
			return `{"query": "delete from movies", "reason": "as asked"}`, nil
		}}
		c := newTestCompiler(t, client, nil)

		_, err := c.Compile(t.Context(), "delete all movies")
		require.ErrorIs(t, err, ErrUnsafeOrEmptyQuery)
	})

	t.Run("garbage reply is rejected, not raised", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{completeFunc: func(ctx context.Context, _, _ string) (string, error) {
			return "I'm sorry, I can't do that.", nil
		}}
		c := newTestCompiler(t, client, nil)

		_, err := c.Compile(t.Context(), "anything")
		require.ErrorIs(t, err, ErrUnsafeOrEmptyQuery)
	})

	t.Run("upstream failure", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{completeFunc: func(ctx context.Context, _, _ string) (string, error) {
			return "", errors.New("connection refused")
		}}
		c := newTestCompiler(t, client, nil)

		_, err := c.Compile(t.Context(), "top movies")
		require.ErrorIs(t, err, llm.ErrUpstreamModel)
		require.Equal(t, 1, client.calls)
	})

	t.Run("missing question never reaches the model", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{}
		c := newTestCompiler(t, client, nil)

		_, err := c.Compile(t.Context(), "   ")
		require.ErrorIs(t, err, ErrMissingContext)
		require.Zero(t, client.calls)
	})

	t.Run("missing schema never reaches the model", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{}
		c, err := New(Config{Logger: testLogger(t), LLM: client})
		require.NoError(t, err)

		_, err = c.Compile(t.Context(), "top movies")
		require.ErrorIs(t, err, ErrMissingContext)
		require.Zero(t, client.calls)
	})

	t.Run("retrieved items ground the prompt before static snippets", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{}
		retriever := &mockRetriever{retrieveItemsFunc: func(ctx context.Context, query string, topK int) ([]knowledge.Item, error) {
			require.Equal(t, "nolan films", query)
			require.Equal(t, DefaultRetrievalTopK, topK)
			return []knowledge.Item{testItem{id: "col:Director", text: "Director\nUse ILIKE"}}, nil
		}}
		c := newTestCompiler(t, client, retriever)

		_, err := c.Compile(t.Context(), "nolan films")
		require.NoError(t, err)

		retrievedAt := strings.Index(client.lastSystem, "Director | Use ILIKE")
		staticAt := strings.Index(client.lastSystem, "static snippet")
		require.NotEqual(t, -1, retrievedAt)
		require.NotEqual(t, -1, staticAt)
		require.Less(t, retrievedAt, staticAt)
	})

	t.Run("retrieval failure falls back to static snippets", func(t *testing.T) {
		t.Parallel()

		client := &mockLLM{}
		retriever := &mockRetriever{retrieveItemsFunc: func(ctx context.Context, query string, topK int) ([]knowledge.Item, error) {
			return nil, errors.New("index unavailable")
		}}
		c := newTestCompiler(t, client, retriever)

		got, err := c.Compile(t.Context(), "top movies")
		require.NoError(t, err)
		require.Equal(t, "SELECT 1", got.Query)
		require.Contains(t, client.lastSystem, "static snippet")
	})
}

func TestCompiler_Compile_Cache(t *testing.T) {
	t.Parallel()

	client := &mockLLM{completeFunc: func(ctx context.Context, _, userPrompt string) (string, error) {
		if strings.Contains(userPrompt, "delete") {
			return `{"query": "DELETE FROM movies", "reason": "as asked"}`, nil
		}
		return `{"query": "SELECT Series_Title FROM movies LIMIT 5", "reason": "first five"}`, nil
	}}
	c, err := New(Config{
		Logger:   testLogger(t),
		LLM:      client,
		Schema:   testSchema(),
		CacheTTL: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	first, err := c.Compile(t.Context(), "Five movies please")
	require.NoError(t, err)
	second, err := c.Compile(t.Context(), "  five   MOVIES please")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, client.calls)

	// Rejections are not cached.
	for range 2 {
		_, err = c.Compile(t.Context(), "delete everything")
		require.ErrorIs(t, err, ErrUnsafeOrEmptyQuery)
	}
	require.Equal(t, 3, client.calls)
}
