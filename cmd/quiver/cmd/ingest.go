package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents into the indices",
		Long: `Parse, chunk and embed one or more documents (.txt, .md, .pdf).

Re-ingesting a known file replaces its chunks and vectors. Graph
extraction is a separate step; run 'quiver graph build' afterwards.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			for _, path := range args {
				report, err := c.Ingest(cmd.Context(), path)
				if err != nil {
					return err
				}
				verb := "ingested"
				if report.Replaced {
					verb = "re-ingested"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d chunks (%d pages) in %s\n",
					verb, report.Source, report.Chunks, report.Pages, report.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file>...",
		Short: "Delete ingested documents",
		Long:  "Remove a source's chunks, vectors and graph mentions, then prune orphaned entities.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			for _, path := range args {
				if err := c.Delete(cmd.Context(), path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", path)
			}
			return nil
		},
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List ingested sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			sources, err := c.ListSources(cmd.Context())
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sources ingested")
				return nil
			}
			for _, s := range sources {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", s.Source, s.Models)
			}
			return nil
		},
	}
}
