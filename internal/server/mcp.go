package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/metrics"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/malbeclabs/askql/internal/retrieval"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type CompileSQLInput struct {
	Question string `json:"question" jsonschema:"the question to answer about the movies table"`
}

// ValidateSQLInput mirrors the model reply object, so an agent can hand over
// SQL it wrote itself. sql is read when query is empty.
type ValidateSQLInput struct {
	Query  string `json:"query,omitempty" jsonschema:"the SQL statement to check"`
	SQL    string `json:"sql,omitempty" jsonschema:"alias for query"`
	Reason string `json:"reason,omitempty" jsonschema:"optional note carried through to the result"`
}

type AskInput struct {
	Question string `json:"question" jsonschema:"the question to answer about the movies table"`
}

type RetrieveInput struct {
	Query string `json:"query" jsonschema:"free text to search the knowledge corpus with"`
	TopK  int    `json:"topK,omitempty" jsonschema:"number of matches to return, default 5, at most 100"`
}

func (s *Server) registerTools() error {
	if err := addTool(s, "compile_sql", `
		Translate a natural-language question about the movies table into a single read-only DuckDB SELECT statement.
		Returns the SQL and a short reason. The SQL is not executed.
	`, func(ctx context.Context, in CompileSQLInput) (CompileResponse, error) {
		compiled, err := s.cfg.Compiler.Compile(ctx, in.Question)
		if err != nil {
			return CompileResponse{}, toolError(err)
		}
		return CompileResponse{SQL: compiled.Query, Reason: compiled.Reason}, nil
	}); err != nil {
		return err
	}

	if err := addTool(s, "validate_sql", `
		Check a SQL statement against the same read-only guardrail that compiled SQL passes through.
		Returns the accepted SQL and reason, or an error naming the rejected keyword. The SQL is not executed.
	`, func(ctx context.Context, in ValidateSQLInput) (CompileResponse, error) {
		compiled, err := compiler.Validate(compiler.ParseValue(in))
		if err != nil {
			return CompileResponse{}, toolError(err)
		}
		return CompileResponse{SQL: compiled.Query, Reason: compiled.Reason}, nil
	}); err != nil {
		return err
	}

	if s.cfg.Querier != nil {
		if err := addTool(s, "ask", `
			Answer a natural-language question about the movies table. The question is compiled to a read-only
			SELECT statement, which is executed. Returns the SQL, the column names and the result rows.
		`, func(ctx context.Context, in AskInput) (AskResponse, error) {
			resp, err := s.ask(ctx, in.Question)
			if err != nil {
				return AskResponse{}, toolError(err)
			}
			return resp, nil
		}); err != nil {
			return err
		}
	}

	if s.cfg.Retriever != nil {
		if err := addTool(s, "retrieve", `
			Search the knowledge corpus (metric recipes, column notes, worked examples, query templates and snippets)
			for the entries most similar to the query.
		`, func(ctx context.Context, in RetrieveInput) (retrieval.Result, error) {
			return s.cfg.Retriever.Retrieve(ctx, in.Query, in.TopK)
		}); err != nil {
			return err
		}
	}
	return nil
}

func addTool[In, Out any](s *Server, name, description string, handle func(context.Context, In) (Out, error)) error {
	inSchema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}
	outSchema, err := jsonschema.For[Out](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s output schema: %w", name, err)
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  inSchema,
		OutputSchema: outSchema,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := s.cfg.Clock.Now()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		out, err := handle(ctx, in)
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			s.log.Debug("mcp/tool: call failed", "tool", name, "error", err, "duration", s.cfg.Clock.Since(start))
			var zero Out
			return nil, zero, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		s.log.Debug("mcp/tool: call succeeded", "tool", name, "duration", s.cfg.Clock.Since(start))
		return nil, out, nil
	})
	return nil
}

// toolError prefixes pipeline errors with the messages the HTTP endpoints use.
func toolError(err error) error {
	switch {
	case errors.Is(err, compiler.ErrMissingContext):
		return fmt.Errorf("%s: %w", msgMissingQuestion, err)
	case errors.Is(err, compiler.ErrUnsafeOrEmptyQuery):
		return fmt.Errorf("%s: %w", msgUnsafeQuery, err)
	case errors.Is(err, querier.ErrQueryExecution):
		return fmt.Errorf("%s: %w", msgExecuteFailed, err)
	}
	return fmt.Errorf("%s: %w", msgCompileFailed, err)
}
