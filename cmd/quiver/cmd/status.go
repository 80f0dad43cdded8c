package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiverdocs/quiver/pkg/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "data dir:       %s\n", cfg.DataDir)
			fmt.Fprintf(out, "active model:   %s (%d dims)\n", status.ActiveModel, status.Dimensions)
			fmt.Fprintf(out, "documents:      %d\n", status.Documents)
			fmt.Fprintf(out, "chunks:         %d (%d vectors)\n", status.Chunks, status.ChunkVectors)
			fmt.Fprintf(out, "entities:       %d (%d vectors)\n", status.Entities, status.EntityVectors)
			fmt.Fprintf(out, "relationships:  %d\n", status.Relationships)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
