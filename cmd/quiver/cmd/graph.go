package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiverdocs/quiver/internal/graph"
)

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build and inspect the knowledge graph",
	}
	cmd.AddCommand(newGraphBuildCmd(), newGraphProgressCmd())
	return cmd
}

func newGraphBuildCmd() *cobra.Command {
	var extractionModel string

	cmd := &cobra.Command{
		Use:   "build <file>",
		Short: "Extract entities and relationships for an ingested source",
		Long: `Walk a source's chunks through the extraction model and populate the
knowledge graph and the entity vector index.

Chunks that were already extracted are skipped, so re-running is cheap
and idempotent. Ctrl-C between batches keeps what's done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if extractionModel == "" {
				extractionModel = cfg.Extraction.Model
			}

			report, err := c.BuildGraph(cmd.Context(), args[0], extractionModel, func(ev graph.ProgressEvent) {
				fmt.Fprintf(cmd.OutOrStdout(), "batch %d/%d: %d/%d chunks (%d extracted, %d skipped)\n",
					ev.BatchIndex+1, ev.TotalBatches, ev.Processed, ev.Total, ev.Successful, ev.Skipped)
			})
			if err != nil {
				return err
			}

			status := "done"
			if report.Cancelled {
				status = "cancelled (partial results kept)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks, %d extracted, %d skipped, %d failed in %s\n",
				status, report.TotalChunks, report.Succeeded, report.Skipped, report.Failed,
				report.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&extractionModel, "model", "", "Extraction model (default from config)")
	return cmd
}

func newGraphProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <file>",
		Short: "Show extraction progress for a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			progress, err := c.GraphProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d chunks extracted (%.0f%%)\n",
				progress.ProcessedChunks, progress.TotalChunks, progress.Percentage)
			return nil
		},
	}
}
