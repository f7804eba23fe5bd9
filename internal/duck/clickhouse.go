package duck

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const (
	defaultClickHouseDialTimeout      = 10 * time.Second
	defaultClickHouseMaxExecutionTime = 60
)

type ClickHouseConfig struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (c *ClickHouseConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	return nil
}

func (c *ClickHouseConfig) options() *clickhouse.Options {
	// clickhouse-go expects host:port only.
	addr := strings.TrimPrefix(c.Addr, "https://")
	addr = strings.TrimPrefix(addr, "http://")

	opts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": defaultClickHouseMaxExecutionTime,
		},
		DialTimeout: defaultClickHouseDialTimeout,
	}
	if c.Secure {
		opts.TLS = &tls.Config{}
	}
	return opts
}

// NewClickHouseDB opens a DB on a ClickHouse server. The catalog and
// schema are both the configured database.
func NewClickHouseDB(ctx context.Context, cfg ClickHouseConfig) (DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	db := clickhouse.OpenDB(cfg.options())
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	var database string
	if err := db.QueryRowContext(ctx, "SELECT currentDatabase()").Scan(&database); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database: %w", err)
	}

	cfg.Logger.Info("duck: connected to clickhouse", "addr", cfg.Addr, "database", database)
	return &sqlDB{engine: EngineClickHouse, db: db, catalog: database, schema: database}, nil
}
