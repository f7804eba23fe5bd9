package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/askql/internal/app"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type IndexCmd struct{}

func NewIndexCmd() *IndexCmd {
	return &IndexCmd{}
}

func (c *IndexCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the vector index from the knowledge corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noEngine := func(o *app.Options) { o.Engine = app.EngineNone }
			return withApp(cmd, noEngine, func(ctx context.Context, log *slog.Logger, a *app.App) error {
				if a.Indexer == nil {
					return errors.New("retrieval is not configured, set --embed-url")
				}
				count, err := a.Indexer.Index(ctx, a.Corpus.Items())
				if err != nil {
					return fmt.Errorf("failed to build index: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d items (corpus %s)\n", count, a.Corpus.Version)
				return err
			})
		},
	}
}

type RetrieveCmd struct{}

func NewRetrieveCmd() *RetrieveCmd {
	return &RetrieveCmd{}
}

func (c *RetrieveCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Show the knowledge items closest to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topK, err := cmd.Flags().GetInt("top-k")
			if err != nil {
				return fmt.Errorf("failed to get top-k flag: %w", err)
			}
			noEngine := func(o *app.Options) { o.Engine = app.EngineNone }
			return withApp(cmd, noEngine, func(ctx context.Context, log *slog.Logger, a *app.App) error {
				if a.Retriever == nil {
					return errors.New("retrieval is not configured, set --embed-url")
				}
				if err := a.WarmIndex(ctx); err != nil {
					return fmt.Errorf("failed to build index: %w", err)
				}
				res, err := a.Retriever.Retrieve(ctx, args[0], topK)
				if err != nil {
					return fmt.Errorf("failed to retrieve: %w", err)
				}

				table := newTable(cmd)
				table.SetHeader([]string{"ID", "Score", "Type"})
				for _, m := range res.Matches {
					typ, _ := m.Metadata["type"].(string)
					table.Append([]string{m.ID, fmt.Sprintf("%.4f", m.Score), typ})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("top-k", 5, "number of items to return")
	return cmd
}

func newTable(cmd *cobra.Command) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	return table
}
