package duck

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	EngineDuckDB     = "duckdb"
	EnginePostgres   = "postgres"
	EngineClickHouse = "clickhouse"
)

// DB is an analytical engine the querier and the dataset loader run
// statements on. Connections are scoped to one call and must be closed.
type DB interface {
	Engine() string
	Catalog() string
	Schema() string
	Close() error
	Conn(ctx context.Context) (Connection, error)
}

type Connection interface {
	DB() DB
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// sqlDB adapts a database/sql pool. prepare runs on every connection before
// it is handed out, until the database is locked down.
type sqlDB struct {
	engine  string
	db      *sql.DB
	catalog string
	schema  string
	prepare func(ctx context.Context, conn *sql.Conn) error

	lockMu sync.Mutex
	locked atomic.Bool

	// Statements that change data (dataset loads, test fixtures) run one at
	// a time across all connections.
	writeMu sync.Mutex
}

func (d *sqlDB) Engine() string  { return d.engine }
func (d *sqlDB) Catalog() string { return d.catalog }
func (d *sqlDB) Schema() string  { return d.schema }
func (d *sqlDB) Close() error    { return d.db.Close() }

func (d *sqlDB) Conn(ctx context.Context) (Connection, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s connection: %w", d.engine, err)
	}
	if d.prepare != nil && !d.locked.Load() {
		if err := d.prepare(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return &sqlConn{conn: conn, db: d}, nil
}

type sqlConn struct {
	conn *sql.Conn
	db   *sqlDB
}

func (c *sqlConn) DB() DB {
	return c.db
}

func (c *sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.db.writeMu.Lock()
	defer c.db.writeMu.Unlock()
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *sqlConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *sqlConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c *sqlConn) Close() error {
	return c.conn.Close()
}

// Ping runs SELECT 1 on a fresh connection.
func Ping(ctx context.Context, db DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%s did not answer: %w", db.Engine(), err)
	}
	if one != 1 {
		return fmt.Errorf("%s answered SELECT 1 with %d", db.Engine(), one)
	}
	return nil
}

// TableExists reports whether table exists in the connection's current
// schema. information_schema is shared by all three engines.
func TableExists(ctx context.Context, conn Connection, table string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = %s AND table_name = %s",
		quoteLiteral(conn.DB().Schema()), quoteLiteral(table),
	)
	var n int
	if err := conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return n > 0, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
