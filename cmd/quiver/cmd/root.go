// Package cmd provides the CLI commands for Quiver.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/quiverdocs/quiver/internal/config"
	"github.com/quiverdocs/quiver/internal/core"
	"github.com/quiverdocs/quiver/internal/logging"
	"github.com/quiverdocs/quiver/pkg/version"
)

var (
	dataDir   string
	debugMode bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the quiver CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiver",
		Short: "Local document retrieval with hybrid and graph search",
		Long: `Quiver ingests your documents (.txt, .md, .pdf), indexes them three
ways (dense vectors, keywords, and a knowledge graph of entities and
relationships) and answers retrieval queries over all of them.

Everything runs locally; Ollama provides embeddings and extraction.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.SetVersionTemplate("quiver version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.quiver)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newIngestCmd(),
		newDeleteCmd(),
		newSourcesCmd(),
		newSearchCmd(),
		newGraphCmd(),
		newModelCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)

	return cmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// setupLogging initializes structured logging. Records always go to the
// log file; they are mirrored to stderr only with --debug when stderr is
// a terminal, so normal runs keep stderr quiet.
func setupLogging() error {
	cfg := logging.DefaultConfig()
	if debugMode {
		cfg.Level = "debug"
	}
	cfg.WriteToStderr = debugMode && isatty.IsTerminal(os.Stderr.Fd())

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

// loadConfig resolves the configuration for the selected data dir.
func loadConfig() (*config.Config, error) {
	dir := dataDir
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		dir = abs
	}
	return config.Load(dir)
}

// openCore opens the retrieval core for a command run.
func openCore(ctx context.Context) (*core.Core, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := core.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}
