package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/dataset"
	"github.com/malbeclabs/askql/internal/duck"
	"github.com/malbeclabs/askql/internal/embedding"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/llm"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/malbeclabs/askql/internal/retrieval"
	"github.com/malbeclabs/askql/internal/vectorindex"
)

const (
	EngineNone       = ""
	EngineDuckDB     = duck.EngineDuckDB
	EnginePostgres   = duck.EnginePostgres
	EngineClickHouse = duck.EngineClickHouse
)

// Options selects and configures the backends. Zero values pick the
// package defaults.
type Options struct {
	LLMProvider      string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	OllamaURL        string
	OllamaModel      string
	LLMMaxTokens     int64
	CompileTimeout   time.Duration
	CompileCacheTTL  time.Duration

	// EmbedURL is the Ollama endpoint used for embeddings. Empty disables
	// retrieval.
	EmbedURL       string
	EmbedModel     string
	EmbedDim       int
	EmbedCacheTTL  time.Duration
	EmbedCacheSize uint64
	IndexPath      string
	RetrievalTopK  int

	Engine             string
	DuckDBPath         string
	PostgresDSN        string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseSecure   bool

	DatasetSource     string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// App holds the wired pipeline. Fields for disabled backends are nil.
type App struct {
	Schema *knowledge.Schema
	Corpus *knowledge.Corpus

	LLM      llm.Client
	Compiler *compiler.Compiler

	Index     vectorindex.Index
	Indexer   *retrieval.Indexer
	Retriever *retrieval.Retriever

	DB      duck.DB
	Querier *querier.Querier
	Loader  *dataset.Loader

	log     *slog.Logger
	closers []func() error
}

func New(ctx context.Context, log *slog.Logger, opts Options) (*App, error) {
	a := &App{log: log}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	schema, corpus, err := knowledge.Load()
	if err != nil {
		return fmt.Errorf("failed to load knowledge corpus: %w", err)
	}
	a.Schema, a.Corpus = schema, corpus

	a.LLM, err = newLLMClient(a.log, opts)
	if err != nil {
		return err
	}

	if opts.EmbedURL != "" {
		if err := a.buildRetrieval(ctx, opts); err != nil {
			return err
		}
	}

	compilerCfg := compiler.Config{
		Logger:        a.log,
		LLM:           a.LLM,
		Schema:        schema,
		Snippets:      corpus.SnippetItems(),
		RetrievalTopK: opts.RetrievalTopK,
		Timeout:       opts.CompileTimeout,
		CacheTTL:      opts.CompileCacheTTL,
	}
	if a.Retriever != nil {
		compilerCfg.Retriever = a.Retriever
	}
	a.Compiler, err = compiler.New(compilerCfg)
	if err != nil {
		return fmt.Errorf("failed to create compiler: %w", err)
	}
	a.closers = append(a.closers, a.Compiler.Close)

	if opts.Engine != EngineNone {
		if err := a.buildEngine(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

func newLLMClient(log *slog.Logger, opts Options) (llm.Client, error) {
	switch opts.LLMProvider {
	case llm.ProviderAnthropic, "":
		client, err := llm.NewAnthropicClient(llm.AnthropicConfig{
			Logger:    log,
			APIKey:    opts.AnthropicAPIKey,
			BaseURL:   opts.AnthropicBaseURL,
			Model:     opts.AnthropicModel,
			MaxTokens: opts.LLMMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic client: %w", err)
		}
		return client, nil
	case llm.ProviderOllama:
		client, err := llm.NewOllamaClient(llm.OllamaConfig{
			Logger:    log,
			BaseURL:   opts.OllamaURL,
			Model:     opts.OllamaModel,
			MaxTokens: opts.LLMMaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", opts.LLMProvider)
}

func (a *App) buildRetrieval(ctx context.Context, opts Options) error {
	embedder, err := embedding.NewOllamaEmbedder(embedding.OllamaConfig{
		Logger:  a.log,
		BaseURL: opts.EmbedURL,
		Model:   opts.EmbedModel,
		Dim:     opts.EmbedDim,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	if opts.IndexPath != "" {
		idx, err := vectorindex.NewSQVect(ctx, vectorindex.SQVectConfig{
			Logger: a.log,
			Path:   opts.IndexPath,
			Dim:    embedder.Dim(),
		})
		if err != nil {
			return fmt.Errorf("failed to open vector index: %w", err)
		}
		a.Index = idx
	} else {
		a.Index = vectorindex.NewMemory(embedder.Dim())
	}
	a.closers = append(a.closers, a.Index.Close)

	// Corpus texts are embedded once per rebuild; only queries go through
	// the cache.
	a.Indexer, err = retrieval.NewIndexer(retrieval.IndexerConfig{
		Logger:   a.log,
		Embedder: embedder,
		Index:    a.Index,
	})
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	cached := embedding.NewCached(embedder, opts.EmbedCacheTTL, opts.EmbedCacheSize)
	a.closers = append(a.closers, func() error { cached.Close(); return nil })

	a.Retriever, err = retrieval.NewRetriever(retrieval.RetrieverConfig{
		Logger:   a.log,
		Embedder: cached,
		Index:    a.Index,
		Items:    a.Corpus.Items(),
	})
	if err != nil {
		return fmt.Errorf("failed to create retriever: %w", err)
	}
	return nil
}

func (a *App) buildEngine(ctx context.Context, opts Options) error {
	var err error
	switch opts.Engine {
	case EngineDuckDB:
		a.DB, err = duck.NewDuckDB(ctx, opts.DuckDBPath, a.log)
	case EnginePostgres:
		a.DB, err = duck.NewPostgresDB(ctx, opts.PostgresDSN, a.log)
	case EngineClickHouse:
		a.DB, err = duck.NewClickHouseDB(ctx, duck.ClickHouseConfig{
			Logger:   a.log,
			Addr:     opts.ClickHouseAddr,
			Database: opts.ClickHouseDatabase,
			Username: opts.ClickHouseUsername,
			Password: opts.ClickHousePassword,
			Secure:   opts.ClickHouseSecure,
		})
	default:
		return fmt.Errorf("unknown engine %q", opts.Engine)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s engine: %w", opts.Engine, err)
	}
	a.closers = append(a.closers, a.DB.Close)

	a.Querier, err = querier.New(querier.Config{Logger: a.log, DB: a.DB})
	if err != nil {
		return fmt.Errorf("failed to create querier: %w", err)
	}

	// Only DuckDB reads dataset files; other engines serve a preloaded table.
	if opts.Engine == EngineDuckDB {
		s3Client, err := dataset.NewS3Client(ctx, dataset.S3Options{
			Region:          opts.S3Region,
			Endpoint:        opts.S3Endpoint,
			AccessKeyID:     opts.S3AccessKeyID,
			SecretAccessKey: opts.S3SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to create s3 client: %w", err)
		}
		a.Loader, err = dataset.New(dataset.Config{
			Logger:   a.log,
			DB:       a.DB,
			Table:    a.Schema.Table,
			S3:       s3Client,
			S3Region: opts.S3Region,
		})
		if err != nil {
			return fmt.Errorf("failed to create dataset loader: %w", err)
		}
	}
	return nil
}

// LoadDataset loads source through the dataset loader, then locks DuckDB
// down so that statements passing the guardrail cannot read or write files.
// Loading is a no-op for engines that do not load files.
func (a *App) LoadDataset(ctx context.Context, source string) error {
	if a.Loader != nil && source != "" {
		if _, err := a.Loader.Load(ctx, source); err != nil {
			return err
		}
	}
	if a.DB == nil || a.DB.Engine() != duck.EngineDuckDB {
		return nil
	}
	if err := duck.Lockdown(ctx, a.DB); err != nil {
		return err
	}
	a.log.Info("app: engine locked down", "engine", a.DB.Engine())
	return nil
}

// WarmIndex builds the vector index from the corpus if it is empty.
func (a *App) WarmIndex(ctx context.Context) error {
	if a.Indexer == nil {
		return nil
	}
	n, err := a.Index.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count index records: %w", err)
	}
	if n > 0 {
		a.log.Info("app: vector index already populated", "count", n)
		return nil
	}
	_, err = a.Indexer.Index(ctx, a.Corpus.Items())
	return err
}

// Ready reports whether questions can be answered end to end.
func (a *App) Ready(ctx context.Context) error {
	if a.DB == nil {
		return errors.New("no engine configured")
	}
	if err := duck.Ping(ctx, a.DB); err != nil {
		return err
	}
	if a.Loader != nil && a.Loader.Loaded() {
		return nil
	}

	conn, err := a.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	ok, err := duck.TableExists(ctx, conn, a.Schema.Table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("table %s is not loaded", a.Schema.Table)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
