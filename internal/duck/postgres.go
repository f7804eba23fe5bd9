package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresDB opens a DB on a PostgreSQL-compatible server through pgx.
func NewPostgresDB(ctx context.Context, dsn string, log *slog.Logger) (DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to test postgres connection: %w", err)
	}
	if result != 1 {
		db.Close()
		return nil, fmt.Errorf("unexpected result from connection test: got %d, expected 1", result)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database(), current_schema()")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	log.Info("duck: connected to postgres", "catalog", catalog, "schema", schema)
	return &sqlDB{engine: EnginePostgres, db: db, catalog: catalog, schema: schema}, nil
}
