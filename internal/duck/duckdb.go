package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/duckdb/duckdb-go/v2"
)

// NewDuckDB opens a DuckDB database at path. An empty path opens an in-memory
// database shared by every connection from the returned DB.
func NewDuckDB(ctx context.Context, path string, log *slog.Logger) (DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	row := db.QueryRowContext(ctx, "SELECT current_database() AS catalog, current_schema() AS schema")
	var catalog, schema string
	if err := row.Scan(&catalog, &schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get current database and schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("USE %s", catalog)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to use database: %w", err)
	}

	if path == "" {
		log.Debug("duck: opened in-memory database", "catalog", catalog, "schema", schema)
	} else {
		log.Info("duck: opened database", "path", path, "catalog", catalog, "schema", schema)
	}

	return &sqlDB{
		engine:  EngineDuckDB,
		db:      db,
		catalog: catalog,
		schema:  schema,
		prepare: func(ctx context.Context, conn *sql.Conn) error {
			if _, err := conn.ExecContext(ctx, "USE "+catalog); err != nil {
				return fmt.Errorf("failed to use database: %w", err)
			}
			if _, err := conn.ExecContext(ctx, "SET schema = "+schema); err != nil {
				return fmt.Errorf("failed to set schema: %w", err)
			}
			return nil
		},
	}, nil
}

// Lockdown stops a DuckDB database from touching anything outside itself:
// file and network access is disabled (COPY TO, read_csv, ATTACH, INSTALL)
// and settings are frozen so a statement cannot turn access back on. Loaded
// tables stay queryable. It is idempotent and must run after the dataset
// load, which reads files.
func Lockdown(ctx context.Context, db DB) error {
	d, ok := db.(*sqlDB)
	if !ok || d.engine != EngineDuckDB {
		return fmt.Errorf("lockdown is not supported on %s", db.Engine())
	}
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	if d.locked.Load() {
		return nil
	}

	conn, err := d.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET GLOBAL enable_external_access = false"); err != nil {
		return fmt.Errorf("failed to disable external access: %w", err)
	}
	// Fresh connections already start in the catalog and schema captured at
	// open, so the per-connection USE is dropped before settings freeze.
	d.locked.Store(true)
	if _, err := conn.ExecContext(ctx, "SET GLOBAL lock_configuration = true"); err != nil {
		d.locked.Store(false)
		return fmt.Errorf("failed to lock configuration: %w", err)
	}
	return nil
}
