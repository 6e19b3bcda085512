package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/spf13/cobra"
)

type searchFlags struct {
	serverURL     string
	topK          int
	minSimilarity float64
	documentIDs   []string
	sourceTypes   []string
	contentTypes  []string
	output        string
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:     "search <query>",
		Aliases: []string{"retrieve"},
		Short:   "Retrieve the chunks most relevant to a query",
		Long: `Retrieve the chunks most relevant to a query. The query is all remaining
arguments joined by spaces, so multi-word queries work with or without quotes.

Examples:
  chishiki search how do refunds work
  chishiki search --top-k 10 --min-similarity 0.4 "refund policy"
  chishiki search --source-type file --output json "refund policy"
  chishiki search --server "" "refund policy"   # read the database directly`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseOutputFormat(flags.output)
			if err != nil {
				return err
			}
			query := buildSearchQuery(args)
			if query == "" {
				return fmt.Errorf("query cannot be empty")
			}
			q := &models.RetrieveQuery{
				Query: query,
				TopK:  flags.topK,
			}
			if cmd.Flags().Changed("min-similarity") {
				q.MinSimilarity = &flags.minSimilarity
			}
			if len(flags.documentIDs)+len(flags.sourceTypes)+len(flags.contentTypes) > 0 {
				q.Filters = &models.Filters{
					DocumentIDs:  flags.documentIDs,
					SourceTypes:  flags.sourceTypes,
					ContentTypes: flags.contentTypes,
				}
			}

			var resp *models.RetrieveResponse
			if flags.serverURL != "" {
				// A running server owns the in-memory index.
				resp, err = cli.NewClient(flags.serverURL, opts.cfg.Embedding.Timeout).Retrieve(cmd.Context(), q)
			} else {
				resp, err = retrieveDirect(cmd.Context(), opts, q)
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteRetrieveResults(cmd.OutOrStdout(), resp, format)
		},
	}
	cmd.Flags().StringVar(&flags.serverURL, "server", cli.DefaultServerURL, `server URL (empty = read the database directly)`)
	cmd.Flags().IntVarP(&flags.topK, "top-k", "k", 0, "number of chunks to return (default from config)")
	cmd.Flags().Float64Var(&flags.minSimilarity, "min-similarity", 0, "minimum cosine similarity, 0 disables (default from config)")
	cmd.Flags().StringSliceVar(&flags.documentIDs, "doc-id", nil, "restrict to these document IDs")
	cmd.Flags().StringSliceVar(&flags.sourceTypes, "source-type", nil, "restrict to these source types")
	cmd.Flags().StringSliceVar(&flags.contentTypes, "content-type", nil, "restrict to these content types")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "text", "output format: text, compact, or json")
	return cmd
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func retrieveDirect(ctx context.Context, opts *rootOptions, q *models.RetrieveQuery) (*models.RetrieveResponse, error) {
	components, err := initializeComponents(ctx, opts.cfg, opts.logger)
	if err != nil {
		return nil, err
	}
	defer components.Close()
	return components.Engine.Retrieve(ctx, q)
}
