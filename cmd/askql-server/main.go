package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/askql/internal/app"
	"github.com/malbeclabs/askql/internal/dataset"
	"github.com/malbeclabs/askql/internal/embedding"
	"github.com/malbeclabs/askql/internal/llm"
	"github.com/malbeclabs/askql/internal/logger"
	"github.com/malbeclabs/askql/internal/metrics"
	"github.com/malbeclabs/askql/internal/pgwire"
	"github.com/malbeclabs/askql/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = ":8080"
	defaultMetricsAddr = ":9090"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := logger.New(cfg.Verbose)

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, log, cfg.App)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close app", "error", err)
		}
	}()

	// The dataset load and the index warm-up are independent; either failing
	// aborts startup.
	startup, startupCtx := errgroup.WithContext(ctx)
	startup.Go(func() error {
		if err := a.LoadDataset(startupCtx, cfg.App.DatasetSource); err != nil {
			return fmt.Errorf("failed to load dataset: %w", err)
		}
		return nil
	})
	startup.Go(func() error {
		if err := a.WarmIndex(startupCtx); err != nil {
			return fmt.Errorf("failed to build index: %w", err)
		}
		return nil
	})
	if err := startup.Wait(); err != nil {
		return err
	}

	srv, err := newHTTPServer(log, cfg, a)
	if err != nil {
		return err
	}

	var pgSrv *pgwire.Server
	if cfg.PostgresAddr != "" {
		if a.Querier == nil {
			return fmt.Errorf("postgres listener requires an engine (set --engine)")
		}
		pgSrv, err = newPostgresServer(log, cfg, a)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if pgSrv != nil {
		g.Go(func() error { return pgSrv.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func newHTTPServer(log *slog.Logger, cfg Config, a *app.App) (*server.Server, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	srvCfg := server.Config{
		Logger:         log,
		Version:        version,
		HTTPListener:   listener,
		Compiler:       a.Compiler,
		CorpusVersion:  a.Corpus.Version,
		Ready:          a.Ready,
		RequestTimeout: cfg.RequestTimeout,
	}
	// Typed nil pointers must not reach the interface fields.
	if a.Querier != nil {
		srvCfg.Querier = a.Querier
	}
	if a.Indexer != nil && a.Retriever != nil {
		srvCfg.Indexer = a.Indexer
		srvCfg.Retriever = a.Retriever
		srvCfg.Items = a.Corpus.Items()
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return srv, nil
}

func newPostgresServer(log *slog.Logger, cfg Config, a *app.App) (*pgwire.Server, error) {
	accounts, err := pgwire.ParseAccounts(cfg.PostgresAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres accounts: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.PostgresAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.PostgresAddr, err)
	}
	srv, err := pgwire.New(pgwire.Config{
		Logger:   log,
		Listener: listener,
		Querier:  a.Querier,
		Compiler: a.Compiler,
		Accounts: accounts,
	})
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to create postgres server: %w", err)
	}
	return srv, nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	ListenAddr       string
	RequestTimeout   time.Duration
	PostgresAddr     string
	PostgresAccounts string

	App app.Options
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}

func loadConfig() (Config, error) {
	var cfg Config
	opts := &cfg.App

	embedDim, err := getenvInt("EMBED_DIM", embedding.DefaultDim)
	if err != nil {
		return Config{}, err
	}
	topK, err := getenvInt("RETRIEVAL_TOP_K", 0)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := getenvDuration("REQUEST_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	compileTimeout, err := getenvDuration("COMPILE_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	compileCacheTTL, err := getenvDuration("COMPILE_CACHE_TTL", 0)
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := getenvDuration("EMBED_CACHE_TTL", embedding.DefaultCacheTTL)
	if err != nil {
		return Config{}, err
	}

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", getenvBool("VERBOSE", false), "verbose mode - show debug logs (env: VERBOSE)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "http listen address (env: LISTEN_ADDR)")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", requestTimeout, "per-request timeout (env: REQUEST_TIMEOUT)")
	flag.StringVar(&cfg.PostgresAddr, "postgres-addr", getenv("POSTGRES_ADDR", ""), "postgres wire listen address, empty disables (env: POSTGRES_ADDR)")
	flag.StringVar(&cfg.PostgresAccounts, "postgres-accounts", getenv("POSTGRES_ACCOUNTS", ""), "user:pass pairs for the postgres listener, comma-separated (env: POSTGRES_ACCOUNTS)")

	flag.StringVar(&opts.LLMProvider, "llm-provider", getenv("LLM_PROVIDER", llm.ProviderAnthropic), "generative model provider: anthropic or ollama (env: LLM_PROVIDER)")
	flag.StringVar(&opts.AnthropicModel, "anthropic-model", getenv("ANTHROPIC_MODEL", llm.DefaultAnthropicModel), "anthropic model (env: ANTHROPIC_MODEL)")
	flag.StringVar(&opts.OllamaURL, "ollama-url", getenv("OLLAMA_URL", llm.DefaultOllamaURL), "ollama URL for completions (env: OLLAMA_URL)")
	flag.StringVar(&opts.OllamaModel, "ollama-model", getenv("OLLAMA_MODEL", llm.DefaultOllamaModel), "ollama model for completions (env: OLLAMA_MODEL)")
	flag.DurationVar(&opts.CompileTimeout, "compile-timeout", compileTimeout, "timeout for one compilation (env: COMPILE_TIMEOUT)")
	flag.DurationVar(&opts.CompileCacheTTL, "compile-cache-ttl", compileCacheTTL, "cache accepted compilations per question, zero disables (env: COMPILE_CACHE_TTL)")

	flag.StringVar(&opts.EmbedURL, "embed-url", getenv("EMBED_URL", ""), "ollama URL for embeddings, empty disables retrieval (env: EMBED_URL)")
	flag.StringVar(&opts.EmbedModel, "embed-model", getenv("EMBED_MODEL", embedding.DefaultModel), "embedding model (env: EMBED_MODEL)")
	flag.IntVar(&opts.EmbedDim, "embed-dim", embedDim, "embedding dimension (env: EMBED_DIM)")
	flag.DurationVar(&opts.EmbedCacheTTL, "embed-cache-ttl", cacheTTL, "query embedding cache TTL (env: EMBED_CACHE_TTL)")
	flag.StringVar(&opts.IndexPath, "index-path", getenv("INDEX_PATH", ""), "sqvect index file, empty keeps the index in memory (env: INDEX_PATH)")
	flag.IntVar(&opts.RetrievalTopK, "retrieval-top-k", topK, "items retrieved per question (env: RETRIEVAL_TOP_K)")

	flag.StringVar(&opts.Engine, "engine", getenv("ENGINE", app.EngineDuckDB), "query engine: duckdb, postgres, clickhouse or empty (env: ENGINE)")
	flag.StringVar(&opts.DuckDBPath, "duckdb-path", getenv("DUCKDB_PATH", ""), "duckdb file, empty uses memory (env: DUCKDB_PATH)")
	flag.StringVar(&opts.PostgresDSN, "postgres-dsn", getenv("POSTGRES_DSN", ""), "postgres engine connection string (env: POSTGRES_DSN)")
	flag.StringVar(&opts.ClickHouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", ""), "clickhouse address (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&opts.ClickHouseDatabase, "clickhouse-database", getenv("CLICKHOUSE_DATABASE", "default"), "clickhouse database (env: CLICKHOUSE_DATABASE)")
	flag.StringVar(&opts.ClickHouseUsername, "clickhouse-username", getenv("CLICKHOUSE_USERNAME", "default"), "clickhouse username (env: CLICKHOUSE_USERNAME)")
	flag.BoolVar(&opts.ClickHouseSecure, "clickhouse-secure", getenvBool("CLICKHOUSE_SECURE", false), "use TLS for clickhouse (env: CLICKHOUSE_SECURE)")
	flag.StringVar(&opts.DatasetSource, "dataset", getenv("DATASET_SOURCE", ""), "dataset loaded into duckdb at startup: path, http(s):// or s3:// URL (env: DATASET_SOURCE)")
	flag.StringVar(&opts.S3Region, "s3-region", getenv("S3_REGION", dataset.DefaultS3Region), "region for s3:// datasets (env: S3_REGION)")
	flag.StringVar(&opts.S3Endpoint, "s3-endpoint", getenv("S3_ENDPOINT", ""), "endpoint for s3-compatible dataset stores (env: S3_ENDPOINT)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	// Secrets only come from the environment.
	opts.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	opts.AnthropicBaseURL = os.Getenv("ANTHROPIC_BASE_URL")
	opts.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
	opts.S3AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	opts.S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")

	if opts.LLMProvider == llm.ProviderAnthropic && opts.AnthropicAPIKey == "" {
		return Config{}, fmt.Errorf("anthropic api key is empty (set ANTHROPIC_API_KEY or use --llm-provider=ollama)")
	}

	return cfg, nil
}
