package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/askql/internal/app"
	"github.com/malbeclabs/askql/internal/querier"
	"github.com/spf13/cobra"
)

type CompileCmd struct{}

func NewCompileCmd() *CompileCmd {
	return &CompileCmd{}
}

func (c *CompileCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <question>",
		Short: "Compile a question into SQL without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noEngine := func(o *app.Options) { o.Engine = app.EngineNone }
			return withApp(cmd, noEngine, func(ctx context.Context, log *slog.Logger, a *app.App) error {
				if err := a.WarmIndex(ctx); err != nil {
					return fmt.Errorf("failed to build index: %w", err)
				}
				compiled, err := a.Compiler.Compile(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n", compiled.Query)
				if compiled.Reason != "" {
					fmt.Fprintf(out, "-- %s\n", compiled.Reason)
				}
				return nil
			})
		},
	}
}

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

func (c *AskCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Compile a question and run the SQL against the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, nil, func(ctx context.Context, log *slog.Logger, a *app.App) error {
				if a.Querier == nil {
					return errors.New("no engine configured, set --engine")
				}
				if err := a.LoadDataset(ctx, datasetSource(cmd)); err != nil {
					return fmt.Errorf("failed to load dataset: %w", err)
				}
				if err := a.WarmIndex(ctx); err != nil {
					return fmt.Errorf("failed to build index: %w", err)
				}
				compiled, err := a.Compiler.Compile(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.Querier.Query(ctx, compiled.Query)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n", compiled.Query)
				renderResult(cmd, res)
				fmt.Fprintf(out, "%d rows in %s\n", res.Count, time.Duration(res.ElapsedMs)*time.Millisecond)
				return nil
			})
		},
	}
}

func datasetSource(cmd *cobra.Command) string {
	source, _ := cmd.Root().PersistentFlags().GetString("dataset")
	return source
}

func renderResult(cmd *cobra.Command, res querier.QueryResult) {
	table := newTable(cmd)
	table.SetHeader(res.Columns)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		table.Append(cells)
	}
	table.Render()
}
