package querier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/askql/internal/metrics"
)

// ErrQueryExecution wraps every failure of the engine to run a statement.
var ErrQueryExecution = errors.New("query execution failed")

type Querier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Querier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Querier{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// QueryResult holds rows in column order. ColumnTypes are the engine's type
// names, parallel to Columns.
type QueryResult struct {
	Columns     []string `json:"columns"`
	ColumnTypes []string `json:"-"`
	Rows        [][]any  `json:"rows"`
	Count       int      `json:"count"`
	Truncated   bool     `json:"truncated,omitempty"`
	ElapsedMs   int64    `json:"elapsed_ms"`
}

// Query runs sql on a connection scoped to this call. It does not validate sql;
// callers pass statements that already went through the guardrail.
func (q *Querier) Query(ctx context.Context, sql string) (QueryResult, error) {
	start := q.cfg.Clock.Now()

	res, err := q.query(ctx, sql)
	elapsed := q.cfg.Clock.Since(start)
	metrics.DatabaseQueryDuration.Observe(elapsed.Seconds())
	if err != nil {
		metrics.DatabaseQueriesTotal.WithLabelValues("error").Inc()
		q.log.Warn("querier: query failed", "engine", q.cfg.DB.Engine(), "sql", sql, "error", err)
		return QueryResult{}, fmt.Errorf("%w: %w", ErrQueryExecution, err)
	}
	metrics.DatabaseQueriesTotal.WithLabelValues("success").Inc()

	res.ElapsedMs = elapsed.Milliseconds()
	q.log.Debug("querier: query executed", "engine", q.cfg.DB.Engine(), "rows", res.Count, "truncated", res.Truncated, "duration", elapsed)
	return res, nil
}

func (q *Querier) query(ctx context.Context, sql string) (QueryResult, error) {
	conn, err := q.cfg.DB.Conn(ctx)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sql)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get columns: %w", err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get column types: %w", err)
	}
	typeNames := make([]string, len(colTypes))
	for i, ct := range colTypes {
		typeNames[i] = ct.DatabaseTypeName()
	}

	resultRows := [][]any{}
	truncated := false
	for rows.Next() {
		if len(resultRows) == q.cfg.MaxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan row: %w", err)
		}

		for i, val := range values {
			if b, ok := val.([]byte); ok {
				values[i] = string(b)
			}
		}
		resultRows = append(resultRows, values)
	}

	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error iterating rows: %w", err)
	}

	return QueryResult{
		Columns:     columns,
		ColumnTypes: typeNames,
		Rows:        resultRows,
		Count:       len(resultRows),
		Truncated:   truncated,
	}, nil
}
