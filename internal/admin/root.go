package admin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/malbeclabs/askql/internal/app"
	"github.com/malbeclabs/askql/internal/dataset"
	"github.com/malbeclabs/askql/internal/embedding"
	"github.com/malbeclabs/askql/internal/llm"
	"github.com/malbeclabs/askql/internal/logger"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	if err := NewRootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "askql-admin",
		Short:        "Admin CLI for the askql question compiler.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "set debug logging level")
	flags.String("llm-provider", envOr("LLM_PROVIDER", llm.ProviderAnthropic), "generative model provider (anthropic, ollama)")
	flags.String("anthropic-model", envOr("ANTHROPIC_MODEL", llm.DefaultAnthropicModel), "anthropic model name")
	flags.String("ollama-url", envOr("OLLAMA_URL", llm.DefaultOllamaURL), "ollama base URL for completions")
	flags.String("ollama-model", envOr("OLLAMA_MODEL", llm.DefaultOllamaModel), "ollama model name for completions")
	flags.String("embed-url", os.Getenv("EMBED_URL"), "ollama base URL for embeddings (empty disables retrieval)")
	flags.String("embed-model", envOr("EMBED_MODEL", embedding.DefaultModel), "embedding model name")
	flags.Int("embed-dim", envIntOr("EMBED_DIM", embedding.DefaultDim), "embedding dimension")
	flags.String("index-path", os.Getenv("INDEX_PATH"), "path to the sqvect index file (empty uses memory)")
	flags.String("engine", envOr("ENGINE", app.EngineDuckDB), "query engine (duckdb, postgres, clickhouse)")
	flags.String("duckdb-path", os.Getenv("DUCKDB_PATH"), "duckdb database file (empty uses memory)")
	flags.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string")
	flags.String("clickhouse-addr", os.Getenv("CLICKHOUSE_ADDR"), "clickhouse address")
	flags.String("clickhouse-database", envOr("CLICKHOUSE_DATABASE", "default"), "clickhouse database")
	flags.String("dataset", os.Getenv("DATASET_SOURCE"), "dataset to load into duckdb (path, http(s):// or s3:// URL)")
	flags.String("s3-region", envOr("S3_REGION", dataset.DefaultS3Region), "region for s3:// dataset sources")
	flags.String("s3-endpoint", os.Getenv("S3_ENDPOINT"), "endpoint for s3-compatible dataset stores")

	rootCmd.AddCommand(
		NewIndexCmd().Command(),
		NewRetrieveCmd().Command(),
		NewCompileCmd().Command(),
		NewAskCmd().Command(),
		NewEvalCmd().Command(),
	)

	return rootCmd
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	return logger.New(verbose), nil
}

// optionsFromFlags reads the persistent flags into app options. The
// anthropic key and clickhouse credentials only come from the environment.
func optionsFromFlags(cmd *cobra.Command) (app.Options, error) {
	flags := cmd.Root().PersistentFlags()
	opts := app.Options{
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:   os.Getenv("ANTHROPIC_BASE_URL"),
		ClickHouseUsername: os.Getenv("CLICKHOUSE_USERNAME"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		ClickHouseSecure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
		S3AccessKeyID:      os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:  os.Getenv("S3_SECRET_ACCESS_KEY"),
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"llm-provider", &opts.LLMProvider},
		{"anthropic-model", &opts.AnthropicModel},
		{"ollama-url", &opts.OllamaURL},
		{"ollama-model", &opts.OllamaModel},
		{"embed-url", &opts.EmbedURL},
		{"embed-model", &opts.EmbedModel},
		{"index-path", &opts.IndexPath},
		{"engine", &opts.Engine},
		{"duckdb-path", &opts.DuckDBPath},
		{"postgres-dsn", &opts.PostgresDSN},
		{"clickhouse-addr", &opts.ClickHouseAddr},
		{"clickhouse-database", &opts.ClickHouseDatabase},
		{"dataset", &opts.DatasetSource},
		{"s3-region", &opts.S3Region},
		{"s3-endpoint", &opts.S3Endpoint},
	}
	for _, s := range strs {
		v, err := flags.GetString(s.name)
		if err != nil {
			return app.Options{}, fmt.Errorf("failed to get %s flag: %w", s.name, err)
		}
		*s.dst = v
	}

	dim, err := flags.GetInt("embed-dim")
	if err != nil {
		return app.Options{}, fmt.Errorf("failed to get embed-dim flag: %w", err)
	}
	opts.EmbedDim = dim

	return opts, nil
}

// withApp builds the app from the persistent flags, runs fn under a
// signal-aware context and closes the app afterwards.
func withApp(cmd *cobra.Command, mutate func(*app.Options), fn func(ctx context.Context, log *slog.Logger, a *app.App) error) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	opts, err := optionsFromFlags(cmd)
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(&opts)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, log, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("admin: failed to close app", "error", err)
		}
	}()

	return fn(ctx, log, a)
}

func envOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func envIntOr(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
