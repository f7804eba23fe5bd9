package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/malbeclabs/askql/internal/retrieval"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultRequestTimeout    = 90 * time.Second
)

type Compiler interface {
	Compile(ctx context.Context, question string) (compiler.CompiledQuery, error)
	Schema() *knowledge.Schema
}

type Querier interface {
	Query(ctx context.Context, sql string) (querier.QueryResult, error)
}

type Indexer interface {
	Index(ctx context.Context, items []knowledge.Item) (int, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (retrieval.Result, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Version string

	HTTPListener net.Listener

	Compiler Compiler

	// Querier backs /ask and the ask tool. Without it those return 503.
	Querier Querier

	// Indexer, Retriever and Items back /index, /query and the retrieve
	// tool. Without them those return 503.
	Indexer       Indexer
	Retriever     Retriever
	Items         []knowledge.Item
	CorpusVersion string

	// Ready reports whether the server can answer questions end to end.
	// Nil means always ready.
	Ready func(ctx context.Context) error

	AllowedOrigins    []string
	RequestTimeout    time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Compiler == nil {
		return errors.New("compiler is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
