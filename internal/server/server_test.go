package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/duck"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/malbeclabs/askql/internal/retrieval"
	"github.com/malbeclabs/askql/internal/vectorindex"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockLLM struct {
	calls        atomic.Int32
	completeFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

func (m *mockLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.calls.Add(1)
	return m.completeFunc(ctx, systemPrompt, userPrompt)
}

func replyWith(reply string) *mockLLM {
	return &mockLLM{completeFunc: func(context.Context, string, string) (string, error) {
		return reply, nil
	}}
}

type countingQuerier struct {
	calls atomic.Int32
	next  Querier
}

func (c *countingQuerier) Query(ctx context.Context, sql string) (querier.QueryResult, error) {
	c.calls.Add(1)
	return c.next.Query(ctx, sql)
}

// wordEmbedder embeds text as word-presence counts over a fixed vocabulary.
type wordEmbedder struct {
	vocab []string
}

func (e *wordEmbedder) Dim() int { return len(e.vocab) + 1 }

func (e *wordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, e.Dim())
		v[len(e.vocab)] = 0.01
		lower := strings.ToLower(t)
		for j, w := range e.vocab {
			v[j] = float32(strings.Count(lower, w))
		}
		out[i] = v
	}
	return out, nil
}

func testSchema(t *testing.T) *knowledge.Schema {
	t.Helper()
	schema, err := knowledge.ParseSchema([]byte(`
version: 1
table: movies
columns:
  - {name: Series_Title, type: VARCHAR, nullable: false}
  - {name: IMDB_Rating, type: DOUBLE, nullable: false}
  - {name: Director, type: VARCHAR, nullable: true}
  - {name: Gross, type: VARCHAR, nullable: true}
`))
	require.NoError(t, err)
	return schema
}

func testMoviesDB(t *testing.T) duck.DB {
	t.Helper()
	db, err := duck.NewDuckDB(t.Context(), "", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := db.Conn(t.Context())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(t.Context(), `CREATE TABLE movies AS SELECT * FROM (VALUES
		('The Shawshank Redemption', 9.3, 'Frank Darabont', '28,341,469'),
		('The Godfather', 9.2, 'Francis Ford Coppola', '134,966,411'),
		('The Dark Knight', 9.0, 'Christopher Nolan', '534,858,444'),
		('Inception', 8.8, 'Christopher Nolan', '292,576,195')
	) AS t(Series_Title, IMDB_Rating, Director, Gross)`)
	require.NoError(t, err)
	return db
}

type testItem struct {
	id, text string
}

func (i testItem) ID() string               { return i.id }
func (i testItem) Text() string             { return i.text }
func (i testItem) Metadata() map[string]any { return map[string]any{"type": "test"} }

func testItems() []knowledge.Item {
	return []knowledge.Item{
		testItem{id: "col:Director", text: "Director\nUse ILIKE for director names"},
		testItem{id: "col:Gross", text: "Gross\nGross is VARCHAR with commas, cast before math"},
		testItem{id: "kpi:avg_rating", text: "Average rating\nAVG(IMDB_Rating)"},
	}
}

type testEnv struct {
	llm     *mockLLM
	querier *countingQuerier
	url     string
	server  *Server
}

type testOption func(*Config)

func newTestEnv(t *testing.T, llm *mockLLM, opts ...testOption) *testEnv {
	t.Helper()
	log := testLogger(t)

	emb := &wordEmbedder{vocab: []string{"director", "gross", "rating", "nolan", "ilike", "cast"}}
	idx := vectorindex.NewMemory(emb.Dim())
	items := testItems()
	indexer, err := retrieval.NewIndexer(retrieval.IndexerConfig{Logger: log, Embedder: emb, Index: idx})
	require.NoError(t, err)
	retriever, err := retrieval.NewRetriever(retrieval.RetrieverConfig{Logger: log, Embedder: emb, Index: idx, Items: items})
	require.NoError(t, err)

	comp, err := compiler.New(compiler.Config{Logger: log, LLM: llm, Schema: testSchema(t)})
	require.NoError(t, err)

	q, err := querier.New(querier.Config{Logger: log, DB: testMoviesDB(t)})
	require.NoError(t, err)
	cq := &countingQuerier{next: q}

	cfg := Config{
		Logger:        log,
		Version:       "test",
		Compiler:      comp,
		Querier:       cq,
		Indexer:       indexer,
		Retriever:     retriever,
		Items:         items,
		CorpusVersion: "2025.10.1",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{llm: llm, querier: cq, url: srv.URL, server: s}
}

func (e *testEnv) post(t *testing.T, path string, body any) (int, string) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = strings.NewReader(string(data))
	}
	resp, err := http.Post(e.url+path, "application/json", r)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (e *testEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(e.url + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func compilePath(question string) string {
	return "/compile-sql?question=" + url.QueryEscape(question)
}

func TestServer_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: testLogger(t)})
	require.Error(t, err)

	_, err = New(Config{Compiler: &compiler.Compiler{}})
	require.Error(t, err)
}

func TestServer_CompileSQL(t *testing.T) {
	t.Parallel()

	t.Run("top rated movies", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith("```json\n{\"query\": \"SELECT * FROM movies ORDER BY IMDB_Rating DESC LIMIT 10;\", \"reason\": \"Sorted by rating\"}\n```"))

		status, body := env.post(t, compilePath("Show me the top 10 highest rated movies"), nil)
		require.Equal(t, http.StatusOK, status)
		require.JSONEq(t, `{"sql":"SELECT * FROM movies ORDER BY IMDB_Rating DESC LIMIT 10","reason":"Sorted by rating"}`, body)
	})

	t.Run("delete is rejected", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "DELETE FROM movies", "reason": "as asked"}`))

		status, body := env.post(t, compilePath("delete all movies"), nil)
		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `{"error":"Unsafe or empty SQL generated. Try rephrasing your question."}`, body)
	})

	t.Run("unparseable reply is rejected", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith("Sorry, I cannot help with that."))

		status, body := env.post(t, compilePath("anything"), nil)
		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `{"error":"Unsafe or empty SQL generated. Try rephrasing your question."}`, body)
	})

	t.Run("missing question", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT 1"}`))

		for _, path := range []string{"/compile-sql", compilePath(""), compilePath("   ")} {
			status, body := env.post(t, path, nil)
			require.Equal(t, http.StatusBadRequest, status, path)
			require.JSONEq(t, `{"error":"Missing question or schema"}`, body)
		}
		require.Zero(t, env.llm.calls.Load())
	})

	t.Run("upstream failure", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, &mockLLM{completeFunc: func(context.Context, string, string) (string, error) {
			return "", errors.New("connection refused")
		}})

		status, body := env.post(t, compilePath("top movies"), nil)
		require.Equal(t, http.StatusInternalServerError, status)

		var resp errorResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		require.Equal(t, "Failed to compile SQL", resp.Error)
		require.Contains(t, resp.Details, "connection refused")
	})

	t.Run("wrong method and unknown path", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT 1"}`))

		status, body := env.get(t, compilePath("top movies"))
		require.Equal(t, http.StatusMethodNotAllowed, status)
		require.Equal(t, "Method Not Allowed", body)

		status, body = env.post(t, "/compile", nil)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "Not Found", body)

		require.Zero(t, env.llm.calls.Load())
	})

	t.Run("concurrent requests are independent", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, &mockLLM{completeFunc: func(_ context.Context, _, userPrompt string) (string, error) {
			return fmt.Sprintf(`{"query": "SELECT '%s' AS q", "reason": "echo"}`, userPrompt), nil
		}})

		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				q := fmt.Sprintf("question %d", i)
				resp, err := http.Post(env.url+compilePath(q), "", nil)
				if err != nil {
					errs <- err
					return
				}
				defer resp.Body.Close()
				var got CompileResponse
				if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
					errs <- err
					return
				}
				if want := fmt.Sprintf("SELECT '%s' AS q", q); got.SQL != want {
					errs <- fmt.Errorf("got %q, want %q", got.SQL, want)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})
}

func TestServer_Ask(t *testing.T) {
	t.Parallel()

	t.Run("compiles and executes", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT Series_Title FROM movies WHERE Director ILIKE '%nolan%' ORDER BY IMDB_Rating DESC", "reason": "Nolan films"}`))

		status, body := env.post(t, "/ask", AskRequest{Question: "films by nolan"})
		require.Equal(t, http.StatusOK, status, body)

		var resp AskResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		require.Equal(t, "Nolan films", resp.Reason)
		require.Equal(t, []string{"Series_Title"}, resp.Columns)
		require.Equal(t, [][]any{{"The Dark Knight"}, {"Inception"}}, resp.Rows)
		require.Equal(t, 2, resp.Count)
	})

	t.Run("question from query string", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT COUNT(*) AS n FROM movies"}`))

		status, body := env.post(t, "/ask?question=how+many+movies", nil)
		require.Equal(t, http.StatusOK, status, body)
		require.Contains(t, body, `"rows":[[4]]`)
	})

	t.Run("rejected query never reaches the engine", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "DROP TABLE movies"}`))

		status, body := env.post(t, "/ask", AskRequest{Question: "drop everything"})
		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `{"error":"Unsafe or empty SQL generated. Try rephrasing your question."}`, body)
		require.Zero(t, env.querier.calls.Load())
	})

	t.Run("engine failure", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT no_such_column FROM movies"}`))

		status, body := env.post(t, "/ask", AskRequest{Question: "something odd"})
		require.Equal(t, http.StatusInternalServerError, status)

		var resp errorResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		require.Equal(t, "Failed to execute SQL", resp.Error)
		require.NotEmpty(t, resp.Details)
		require.Equal(t, int32(1), env.querier.calls.Load())
	})

	t.Run("missing question", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT 1"}`))

		status, body := env.post(t, "/ask", AskRequest{})
		require.Equal(t, http.StatusBadRequest, status)
		require.JSONEq(t, `{"error":"Missing question or schema"}`, body)

		status, _ = env.post(t, "/ask", "{not json")
		require.Equal(t, http.StatusBadRequest, status)
		require.Zero(t, env.llm.calls.Load())
	})

	t.Run("without querier", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, replyWith(`{"query": "SELECT 1"}`), func(c *Config) { c.Querier = nil })

		status, _ := env.post(t, "/ask", AskRequest{Question: "top movies"})
		require.Equal(t, http.StatusServiceUnavailable, status)
	})
}

func TestServer_IndexAndQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, replyWith(`{"query": "SELECT 1"}`))

	status, body := env.post(t, "/index", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.JSONEq(t, `{"done":true,"count":3}`, body)

	status, body = env.post(t, "/query", QueryRequest{Query: "how is gross stored, do I need a cast", TopK: 2})
	require.Equal(t, http.StatusOK, status, body)

	var res retrieval.Result
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	require.Equal(t, 2, res.Count)
	require.Len(t, res.Matches, 2)
	require.Equal(t, "col:Gross", res.Matches[0].ID)
	require.Equal(t, "test", res.Matches[0].Metadata["type"])

	status, body = env.post(t, "/query", QueryRequest{Query: "rating"})
	require.Equal(t, http.StatusOK, status, body)
	require.NoError(t, json.Unmarshal([]byte(body), &res))
	require.Equal(t, 3, res.Count)

	status, _ = env.post(t, "/query", "{")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = env.post(t, "/query", QueryRequest{Query: " "})
	require.Equal(t, http.StatusBadRequest, status)
	require.JSONEq(t, `{"error":"Missing query"}`, body)

	// Rebuilding is idempotent.
	status, body = env.post(t, "/index", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"done":true,"count":3}`, body)
}

func TestServer_RetrievalGroundsCompile(t *testing.T) {
	t.Parallel()

	var system atomic.Value
	llm := &mockLLM{completeFunc: func(_ context.Context, systemPrompt, _ string) (string, error) {
		system.Store(systemPrompt)
		return `{"query": "SELECT 1"}`, nil
	}}

	log := testLogger(t)
	emb := &wordEmbedder{vocab: []string{"director", "gross", "rating"}}
	idx := vectorindex.NewMemory(emb.Dim())
	indexer, err := retrieval.NewIndexer(retrieval.IndexerConfig{Logger: log, Embedder: emb, Index: idx})
	require.NoError(t, err)
	_, err = indexer.Index(t.Context(), testItems())
	require.NoError(t, err)
	retriever, err := retrieval.NewRetriever(retrieval.RetrieverConfig{Logger: log, Embedder: emb, Index: idx, Items: testItems()})
	require.NoError(t, err)

	comp, err := compiler.New(compiler.Config{Logger: log, LLM: llm, Schema: testSchema(t), Retriever: retriever, RetrievalTopK: 1})
	require.NoError(t, err)

	s, err := New(Config{Logger: log, Compiler: comp})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+compilePath("which director has the most films"), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sys := system.Load().(string)
	require.Contains(t, sys, "Director | Use ILIKE for director names")
	// Only the top match is rendered; the Gross column note stays out.
	require.NotContains(t, sys, "Gross | Gross is VARCHAR with commas")
	require.NotContains(t, sys, "cast before math")
}

func TestServer_SchemaAndProbes(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	env := newTestEnv(t, replyWith(`{"query": "SELECT 1"}`), func(c *Config) {
		c.Ready = func(context.Context) error {
			if !ready.Load() {
				return errors.New("dataset not loaded")
			}
			return nil
		}
	})

	status, body := env.get(t, "/schema")
	require.Equal(t, http.StatusOK, status)
	var schema SchemaResponse
	require.NoError(t, json.Unmarshal([]byte(body), &schema))
	require.Equal(t, "movies", schema.Table)
	require.Equal(t, "2025.10.1", schema.CorpusVersion)
	require.Contains(t, body, `"column_name":"IMDB_Rating"`)

	status, body = env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok\n", body)

	status, _ = env.get(t, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, status)

	ready.Store(true)
	status, _ = env.get(t, "/readyz")
	require.Equal(t, http.StatusOK, status)
}

func TestServer_MCP(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &mockLLM{completeFunc: func(_ context.Context, _, userPrompt string) (string, error) {
		if strings.Contains(userPrompt, "delete") {
			return `{"query": "DELETE FROM movies"}`, nil
		}
		return `{"query": "SELECT Series_Title FROM movies ORDER BY IMDB_Rating DESC LIMIT 1", "reason": "best"}`, nil
	}})
	_, err := env.server.cfg.Indexer.Index(t.Context(), testItems())
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "askql-test", Version: "test"}, nil)
	session, err := client.Connect(t.Context(), &mcp.StreamableClientTransport{Endpoint: env.url + "/mcp"}, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(t.Context(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"compile_sql", "validate_sql", "ask", "retrieve"}, names)

	callText := func(t *testing.T, name string, args map[string]any) (string, bool) {
		t.Helper()
		res, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
		require.NoError(t, err)
		var parts []string
		for _, c := range res.Content {
			if tc, ok := c.(*mcp.TextContent); ok {
				parts = append(parts, tc.Text)
			}
		}
		return strings.Join(parts, "\n"), res.IsError
	}

	text, isErr := callText(t, "compile_sql", map[string]any{"question": "best movie"})
	require.False(t, isErr, text)
	var compiled CompileResponse
	require.NoError(t, json.Unmarshal([]byte(text), &compiled))
	require.Equal(t, "SELECT Series_Title FROM movies ORDER BY IMDB_Rating DESC LIMIT 1", compiled.SQL)

	text, isErr = callText(t, "ask", map[string]any{"question": "best movie"})
	require.False(t, isErr, text)
	var asked AskResponse
	require.NoError(t, json.Unmarshal([]byte(text), &asked))
	require.Equal(t, [][]any{{"The Shawshank Redemption"}}, asked.Rows)

	text, isErr = callText(t, "compile_sql", map[string]any{"question": "delete everything"})
	require.True(t, isErr)
	require.Contains(t, text, "Unsafe or empty SQL generated")

	text, isErr = callText(t, "validate_sql", map[string]any{"sql": "SELECT COUNT(*) FROM movies;", "reason": "count"})
	require.False(t, isErr, text)
	var validated CompileResponse
	require.NoError(t, json.Unmarshal([]byte(text), &validated))
	require.Equal(t, CompileResponse{SQL: "SELECT COUNT(*) FROM movies", Reason: "count"}, validated)

	text, isErr = callText(t, "validate_sql", map[string]any{"query": "drop table movies"})
	require.True(t, isErr)
	require.Contains(t, text, "Unsafe or empty SQL generated")

	text, isErr = callText(t, "validate_sql", map[string]any{})
	require.True(t, isErr)
	require.Contains(t, text, "Unsafe or empty SQL generated")

	text, isErr = callText(t, "retrieve", map[string]any{"query": "director names", "topK": 1})
	require.False(t, isErr, text)
	var res retrieval.Result
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	require.Equal(t, 1, res.Count)
	require.Equal(t, "col:Director", res.Matches[0].ID)
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	comp, err := compiler.New(compiler.Config{Logger: testLogger(t), LLM: replyWith(`{"query": "SELECT 1"}`), Schema: testSchema(t)})
	require.NoError(t, err)
	s, err := New(Config{Logger: testLogger(t), Compiler: comp, HTTPListener: listener, ShutdownTimeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
