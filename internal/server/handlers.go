package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/malbeclabs/askql/internal/retrieval"
)

const maxRequestBodyBytes = 1 << 20

const (
	msgMissingQuestion  = "Missing question or schema"
	msgUnsafeQuery      = "Unsafe or empty SQL generated. Try rephrasing your question."
	msgCompileFailed    = "Failed to compile SQL"
	msgExecuteFailed    = "Failed to execute SQL"
	msgIndexFailed      = "Failed to build index"
	msgRetrieveFailed   = "Failed to retrieve"
	msgInvalidBody      = "Invalid request body"
	msgMissingQuery     = "Missing query"
	msgNotConfigured    = "Not configured"
	msgRetrievalMissing = "Retrieval is not configured"
	msgSchemaMissing    = "Schema is not loaded"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type CompileResponse struct {
	SQL    string `json:"sql"`
	Reason string `json:"reason"`
}

type AskRequest struct {
	Question string `json:"question"`
}

type AskResponse struct {
	SQL       string   `json:"sql"`
	Reason    string   `json:"reason"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Count     int      `json:"count"`
	Truncated bool     `json:"truncated,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

type IndexResponse struct {
	Done  bool `json:"done"`
	Count int  `json:"count"`
}

type QueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK,omitempty"`
}

type SchemaResponse struct {
	Table         string             `json:"table"`
	Version       int                `json:"version"`
	Columns       []knowledge.Column `json:"columns"`
	CorpusVersion string             `json:"corpus_version,omitempty"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.log.Debug("readyz: not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("not ready\n")); err != nil {
				s.log.Error("failed to write readyz response", "error", err)
			}
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) schemaHandler(w http.ResponseWriter, r *http.Request) {
	schema := s.cfg.Compiler.Schema()
	if schema.Empty() {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgSchemaMissing})
		return
	}
	s.writeJSON(w, http.StatusOK, SchemaResponse{
		Table:         schema.Table,
		Version:       schema.Version,
		Columns:       schema.Columns,
		CorpusVersion: s.cfg.CorpusVersion,
	})
}

func (s *Server) compileSQLHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	compiled, err := s.cfg.Compiler.Compile(ctx, r.URL.Query().Get("question"))
	if err != nil {
		s.writeCompileError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CompileResponse{SQL: compiled.Query, Reason: compiled.Reason})
}

func (s *Server) askHandler(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("question")
	if question == "" && r.ContentLength != 0 {
		var req AskRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidBody, Details: err.Error()})
			return
		}
		question = req.Question
	}

	if s.cfg.Querier == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgNotConfigured})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.ask(ctx, question)
	if err != nil {
		if errors.Is(err, querier.ErrQueryExecution) {
			s.log.Warn("server: compiled query failed to execute", "sql", resp.SQL, "error", err)
			s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgExecuteFailed, Details: err.Error()})
			return
		}
		s.writeCompileError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ask compiles and executes question. Execution failures wrap
// querier.ErrQueryExecution and still carry the compiled SQL.
func (s *Server) ask(ctx context.Context, question string) (AskResponse, error) {
	compiled, err := s.cfg.Compiler.Compile(ctx, question)
	if err != nil {
		return AskResponse{}, err
	}
	resp := AskResponse{SQL: compiled.Query, Reason: compiled.Reason}

	res, err := s.cfg.Querier.Query(ctx, compiled.Query)
	if err != nil {
		return resp, err
	}
	resp.Columns = res.Columns
	resp.Rows = res.Rows
	resp.Count = res.Count
	resp.Truncated = res.Truncated
	resp.ElapsedMs = res.ElapsedMs
	return resp, nil
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Indexer == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgRetrievalMissing})
		return
	}

	count, err := s.cfg.Indexer.Index(r.Context(), s.cfg.Items)
	if err != nil {
		s.log.Error("server: index rebuild failed", "indexed", count, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgIndexFailed, Details: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, IndexResponse{Done: true, Count: count})
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Retriever == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: msgRetrievalMissing})
		return
	}

	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidBody, Details: err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingQuery})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.cfg.Retriever.Retrieve(ctx, req.Query, req.TopK)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgRetrieveFailed, Details: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeCompileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, compiler.ErrMissingContext):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingQuestion})
	case errors.Is(err, compiler.ErrUnsafeOrEmptyQuery):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgUnsafeQuery})
	default:
		s.log.Error("server: compile failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgCompileFailed, Details: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	return dec.Decode(v)
}

var _ Retriever = (*retrieval.Retriever)(nil)
