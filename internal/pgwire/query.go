package pgwire

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/lib/pq/oid"
	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/querier"
)

// askPrefix marks a statement whose remainder is a natural-language question.
const askPrefix = "ASK "

func (s *Server) handle(ctx context.Context, query string) (wire.PreparedStatements, error) {
	s.log.Debug("pgwire: incoming query", "query", query)

	trimmed := strings.TrimSpace(query)
	if trimmed == "" || trimmed == ";" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	if strings.ToLower(strings.Join(strings.Fields(trimmed), " ")) == "-- ping" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
				if err := writer.Row([]any{"pong"}); err != nil {
					return err
				}
				return writer.Complete("SELECT 1")
			},
			wire.WithColumns(wire.Columns{{Name: "pong", Oid: pgtype.TextOID}}),
		)), nil
	}

	sql, err := s.resolve(ctx, trimmed)
	if err != nil {
		return nil, err
	}

	// Columns are only known after running the query, so the first execution
	// reuses this result and later executions of the prepared statement rerun.
	res, err := s.cfg.Querier.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	columns := make(wire.Columns, len(res.Columns))
	for i, name := range res.Columns {
		var typeName string
		if i < len(res.ColumnTypes) {
			typeName = res.ColumnTypes[i]
		}
		columns[i] = wire.Column{Name: name, Oid: oidFor(typeName)}
	}

	var executed atomic.Bool
	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
			if !executed.Swap(true) {
				return writeRows(writer, columns, res)
			}
			rerun, err := s.cfg.Querier.Query(ctx, sql)
			if err != nil {
				return err
			}
			return writeRows(writer, columns, rerun)
		},
		wire.WithColumns(columns),
	)), nil
}

// resolve turns a statement into guarded SQL. ASK statements are compiled
// from the question; anything else goes through the guardrail as written.
func (s *Server) resolve(ctx context.Context, statement string) (string, error) {
	if len(statement) >= len(askPrefix) && strings.EqualFold(statement[:len(askPrefix)], askPrefix) {
		if s.cfg.Compiler == nil {
			return "", pgerror.WithCode(errors.New("ASK is not configured"), codes.FeatureNotSupported)
		}
		question := strings.TrimSuffix(strings.TrimSpace(statement[len(askPrefix):]), ";")
		compiled, err := s.cfg.Compiler.Compile(ctx, question)
		if err != nil {
			return "", withCode(err)
		}
		s.log.Debug("pgwire: compiled question", "question", question, "sql", compiled.Query)
		return compiled.Query, nil
	}

	compiled, err := compiler.Validate(compiler.Parsed{Ok: true, Query: statement})
	if err != nil {
		return "", withCode(err)
	}
	return compiled.Query, nil
}

func withCode(err error) error {
	switch {
	case errors.Is(err, compiler.ErrUnsafeOrEmptyQuery):
		return pgerror.WithCode(err, codes.InsufficientPrivilege)
	case errors.Is(err, compiler.ErrMissingContext):
		return pgerror.WithCode(err, codes.InvalidParameterValue)
	}
	return err
}

func writeRows(writer wire.DataWriter, columns wire.Columns, res querier.QueryResult) error {
	for _, row := range res.Rows {
		values := make([]any, len(columns))
		for i := range columns {
			if i >= len(row) {
				break
			}
			values[i] = encodeValue(row[i], columns[i].Oid)
		}
		if err := writer.Row(values); err != nil {
			return err
		}
	}
	return writer.Complete(fmt.Sprintf("SELECT %d", len(res.Rows)))
}

// oidFor maps an engine type name to a Postgres type. Names from DuckDB,
// ClickHouse and Postgres are recognized; anything else is sent as text.
func oidFor(typeName string) oid.Oid {
	name := strings.ToUpper(strings.TrimSpace(typeName))
	if inner, ok := strings.CutPrefix(name, "NULLABLE("); ok {
		name = strings.TrimSuffix(inner, ")")
	}
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}

	switch name {
	case "BOOLEAN", "BOOL":
		return pgtype.BoolOID
	case "TINYINT", "SMALLINT", "INT2", "UTINYINT", "UINT8", "INT16":
		return pgtype.Int2OID
	case "INTEGER", "INT", "INT4", "USMALLINT", "UINT16", "INT32":
		return pgtype.Int4OID
	case "BIGINT", "INT8", "UINTEGER", "UINT32", "INT64":
		return pgtype.Int8OID
	case "REAL", "FLOAT", "FLOAT4", "FLOAT32":
		return pgtype.Float4OID
	case "DOUBLE", "FLOAT8", "FLOAT64":
		return pgtype.Float8OID
	case "DECIMAL", "NUMERIC", "HUGEINT", "UBIGINT", "UINT64":
		return pgtype.NumericOID
	case "DATE", "DATE32":
		return pgtype.DateOID
	case "TIMESTAMP", "DATETIME", "DATETIME64":
		return pgtype.TimestampOID
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return pgtype.TimestamptzOID
	case "BLOB", "BYTEA":
		return pgtype.ByteaOID
	}
	return pgtype.TextOID
}

func encodeValue(v any, typ oid.Oid) any {
	if v == nil {
		return nil
	}
	switch typ {
	case pgtype.BoolOID, pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.Float4OID, pgtype.Float8OID:
		return v
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		if t, ok := v.(time.Time); ok {
			return t
		}
	case pgtype.ByteaOID:
		switch b := v.(type) {
		case []byte:
			return b
		case string:
			return []byte(b)
		}
	}
	return fmt.Sprint(v)
}
