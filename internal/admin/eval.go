package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/askql/internal/app"
	"github.com/malbeclabs/askql/internal/compiler"
	"github.com/malbeclabs/askql/internal/knowledge"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/spf13/cobra"
)

const DefaultEvalConcurrency = 4

type EvalStatus string

const (
	// EvalCompiled means the question compiled and passed the guardrail but
	// was not executed.
	EvalCompiled EvalStatus = "compiled"
	EvalMatched  EvalStatus = "matched"
	EvalMismatch EvalStatus = "mismatch"
	EvalRejected EvalStatus = "rejected"
	EvalFailed   EvalStatus = "failed"
)

type EvalCompiler interface {
	Compile(ctx context.Context, question string) (compiler.CompiledQuery, error)
}

type EvalQuerier interface {
	Query(ctx context.Context, sql string) (querier.QueryResult, error)
}

type EvalConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Compiler    EvalCompiler
	Querier     EvalQuerier
	Concurrency int
}

func (c *EvalConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Compiler == nil {
		return errors.New("compiler is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultEvalConcurrency
	}
	return nil
}

type EvalResult struct {
	ID       string
	Question string
	SQL      string
	Status   EvalStatus
	Detail   string
	Elapsed  time.Duration
}

// Passed reports whether the example compiled into a query the guardrail
// accepted and, when executed, returned the expected rows.
func (r EvalResult) Passed() bool {
	return r.Status == EvalCompiled || r.Status == EvalMatched
}

// Evaluate compiles every worked example concurrently. With a querier, the
// compiled query and the example's reference query are both executed and
// their rows compared. Per-example failures are recorded in the results; the
// returned error is only set when the context is done. Results are in the
// order of examples.
func Evaluate(ctx context.Context, cfg EvalConfig, examples []knowledge.WorkedExample) ([]EvalResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	pool := pond.NewResultPool[EvalResult](cfg.Concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, ex := range examples {
		group.SubmitErr(func() (EvalResult, error) {
			if err := ctx.Err(); err != nil {
				return EvalResult{}, err
			}
			return evaluateOne(ctx, cfg, ex), nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate examples: %w", err)
	}
	return results, nil
}

func evaluateOne(ctx context.Context, cfg EvalConfig, ex knowledge.WorkedExample) EvalResult {
	start := cfg.Clock.Now()
	res := EvalResult{ID: ex.ID(), Question: ex.Question}

	compiled, err := cfg.Compiler.Compile(ctx, ex.Question)
	switch {
	case errors.Is(err, compiler.ErrUnsafeOrEmptyQuery):
		res.Status, res.Detail = EvalRejected, err.Error()
		return finish(cfg, res, start)
	case err != nil:
		res.Status, res.Detail = EvalFailed, err.Error()
		return finish(cfg, res, start)
	}
	res.SQL = compiled.Query

	if cfg.Querier == nil {
		res.Status = EvalCompiled
		return finish(cfg, res, start)
	}

	want, err := cfg.Querier.Query(ctx, ex.SQL)
	if err != nil {
		res.Status, res.Detail = EvalFailed, fmt.Sprintf("reference query: %v", err)
		return finish(cfg, res, start)
	}
	got, err := cfg.Querier.Query(ctx, compiled.Query)
	if err != nil {
		res.Status, res.Detail = EvalFailed, err.Error()
		return finish(cfg, res, start)
	}

	if diff := diffRows(want.Rows, got.Rows); diff != "" {
		res.Status, res.Detail = EvalMismatch, fmt.Sprintf("%d rows, want %d", got.Count, want.Count)
		cfg.Logger.Debug("admin: eval mismatch", "id", res.ID, "diff", diff)
		return finish(cfg, res, start)
	}
	res.Status = EvalMatched
	return finish(cfg, res, start)
}

func finish(cfg EvalConfig, res EvalResult, start time.Time) EvalResult {
	res.Elapsed = cfg.Clock.Since(start)
	return res
}

// diffRows compares result sets ignoring column names and row order. Floats
// are compared approximately since aggregates may be computed differently.
func diffRows(want, got [][]any) string {
	return cmp.Diff(want, got,
		cmpopts.EquateApprox(0, 1e-9),
		cmpopts.EquateEmpty(),
		cmpopts.SortSlices(func(a, b []any) bool { return fmt.Sprint(a) < fmt.Sprint(b) }),
	)
}

type EvalCmd struct{}

func NewEvalCmd() *EvalCmd {
	return &EvalCmd{}
}

func (c *EvalCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Compile the corpus worked examples and report how many pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, err := cmd.Flags().GetInt("concurrency")
			if err != nil {
				return fmt.Errorf("failed to get concurrency flag: %w", err)
			}
			execute, err := cmd.Flags().GetBool("execute")
			if err != nil {
				return fmt.Errorf("failed to get execute flag: %w", err)
			}

			mutate := func(o *app.Options) {
				if !execute {
					o.Engine = app.EngineNone
				}
			}
			return withApp(cmd, mutate, func(ctx context.Context, log *slog.Logger, a *app.App) error {
				if err := a.WarmIndex(ctx); err != nil {
					return fmt.Errorf("failed to build index: %w", err)
				}
				cfg := EvalConfig{Logger: log, Compiler: a.Compiler, Concurrency: concurrency}
				if execute {
					if a.Querier == nil {
						return errors.New("no engine configured, set --engine")
					}
					if err := a.LoadDataset(ctx, datasetSource(cmd)); err != nil {
						return fmt.Errorf("failed to load dataset: %w", err)
					}
					cfg.Querier = a.Querier
				}

				results, err := Evaluate(ctx, cfg, a.Corpus.WorkedExamples())
				if err != nil {
					return err
				}
				renderEval(cmd, results)
				return nil
			})
		},
	}
	cmd.Flags().Int("concurrency", DefaultEvalConcurrency, "number of examples compiled at once")
	cmd.Flags().Bool("execute", false, "run compiled and reference queries and compare rows")
	return cmd
}

func renderEval(cmd *cobra.Command, results []EvalResult) {
	table := newTable(cmd)
	table.SetHeader([]string{"ID", "Status", "Elapsed", "Question", "Detail"})
	passed := 0
	for _, r := range results {
		if r.Passed() {
			passed++
		}
		table.Append([]string{r.ID, string(r.Status), r.Elapsed.Round(time.Millisecond).String(), r.Question, r.Detail})
	}
	table.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "%d/%d passed\n", passed, len(results))
}
