package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quiverdocs/quiver/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit     int
	mode      string
	useGraph  bool
	chatModel string
	format    string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search ingested documents",
		Long: `Search ingested documents with the selected strategy.

Modes:
  embedding  dense vector similarity
  fulltext   scored keyword match (optionally LLM-rewritten)
  hybrid     both, merged (default)

Graph augmentation (--graph) expands the query through the entity
graph and annotates results with the matched entities.

Examples:
  quiver search "categorical imperative"
  quiver search "fox" --mode fulltext -n 3
  quiver search "Korsgaard" --mode embedding --graph`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			results, err := c.Search(cmd.Context(), query, opts.limit, search.Options{
				Mode:      search.Mode(opts.mode),
				ChatModel: opts.chatModel,
				UseGraph:  opts.useGraph,
			})
			if err != nil {
				return err
			}

			if opts.format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no results")
				return nil
			}
			for i, r := range results {
				header := fmt.Sprintf("%d. %s", i+1, r.Source)
				if r.Page > 0 {
					header += fmt.Sprintf(" (page %d)", r.Page)
				}
				if r.Graph {
					header += fmt.Sprintf(" [graph: %s]", strings.Join(r.EntityNames, ", "))
				}
				fmt.Fprintln(cmd.OutOrStdout(), header)
				fmt.Fprintf(cmd.OutOrStdout(), "   %s\n\n", snippet(r.Content, 200))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "hybrid", "Search mode: embedding, fulltext, hybrid")
	cmd.Flags().BoolVar(&opts.useGraph, "graph", false, "Augment results through the entity graph")
	cmd.Flags().StringVar(&opts.chatModel, "chat-model", "", "Chat model for query rewriting (fulltext)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text, json")

	return cmd
}

// snippet truncates content for terminal display.
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
