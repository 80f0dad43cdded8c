package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiverdocs/quiver/internal/core"
	"github.com/quiverdocs/quiver/internal/watcher"
)

// coreHandler adapts the core to the watcher's handler interface.
type coreHandler struct {
	core *core.Core
}

func (h *coreHandler) Ingest(ctx context.Context, path string) error {
	_, err := h.core.Ingest(ctx, path)
	return err
}

func (h *coreHandler) Delete(ctx context.Context, path string) error {
	return h.core.Delete(ctx, path)
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory and auto-ingest documents",
		Long: `Watch a directory tree for supported documents (.txt, .md, .pdf).

Existing files are ingested on startup; created and modified files are
ingested as they change, deleted files are removed from the indices.
Rapid editor saves are coalesced. Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			w, err := watcher.New(&coreHandler{core: c}, cfg.Watch.Debounce)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "watching %s (Ctrl-C to stop)\n", args[0])
			return w.Run(cmd.Context(), args[0])
		},
	}
}
