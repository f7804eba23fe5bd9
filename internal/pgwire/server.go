package pgwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/querier"
)

const defaultShutdownTimeout = 5 * time.Second

type Compiler interface {
	Compile(ctx context.Context, question string) (compiler.CompiledQuery, error)
}

type Querier interface {
	Query(ctx context.Context, sql string) (querier.QueryResult, error)
}

type Config struct {
	Logger   *slog.Logger
	Listener net.Listener
	Querier  Querier

	// Compiler enables ASK statements. Without it only SQL is accepted.
	Compiler Compiler

	// Accounts maps usernames to passwords. Empty disables authentication.
	Accounts map[string]string

	ShutdownTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Listener == nil {
		return errors.New("listener is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

// ParseAccounts reads "user1:pass1,user2:pass2" into an account map.
func ParseAccounts(s string) (map[string]string, error) {
	accounts := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		username, password, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid account %q (expected username:password)", entry)
		}
		username = strings.TrimSpace(username)
		if username == "" {
			return nil, fmt.Errorf("invalid account %q (empty username)", entry)
		}
		accounts[username] = strings.TrimSpace(password)
	}
	return accounts, nil
}

// Server speaks the Postgres wire protocol so SQL clients can run read-only
// queries and ASK questions against the engine.
type Server struct {
	log  *slog.Logger
	cfg  Config
	wire *wire.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	s := &Server{log: cfg.Logger, cfg: cfg}

	if len(cfg.Accounts) > 0 {
		s.log.Info("pgwire: authentication enabled", "accounts", len(cfg.Accounts))
	} else {
		s.log.Info("pgwire: authentication disabled")
	}

	srv, err := wire.NewServer(
		s.handle,
		wire.Logger(s.log),
		wire.SessionAuthStrategy(authStrategy(s.log, cfg.Accounts)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wire server: %w", err)
	}
	s.wire = srv
	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.wire.Serve(s.cfg.Listener); err != nil {
			serveErrCh <- fmt.Errorf("failed to serve postgres wire: %w", err)
		}
	}()
	s.log.Info("pgwire: listening", "address", s.cfg.Listener.Addr())

	select {
	case <-ctx.Done():
		s.log.Info("pgwire: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.wire.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown postgres wire server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}
