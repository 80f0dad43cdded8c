package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quiverdocs/quiver/internal/model"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show or switch the active embedding model",
	}
	cmd.AddCommand(newModelShowCmd(), newModelSetCmd())
	return cmd
}

func newModelShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active embedding model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			active, err := c.ActiveModel(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), active)
			return nil
		},
	}
}

func newModelSetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "set <model>",
		Short: "Switch the active embedding model",
		Long: `Switch the active embedding model.

Vectors from different models are incompatible, so switching deletes
both vector indices and every document, chunk and mention. Without
--force the switch is refused while indexed data exists, listing the
models it belongs to.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			result, err := c.SetEmbeddingModel(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}

			switch result.Outcome {
			case model.Unchanged:
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already active\n", result.NewModel)
			case model.ConfirmationRequired:
				fmt.Fprintf(cmd.OutOrStdout(),
					"refusing to switch: existing vectors belong to %s\n"+
						"re-run with --force to delete all indexed data and switch to %s\n",
					strings.Join(result.ExistingModels, ", "), result.NewModel)
			case model.Switched:
				fmt.Fprintf(cmd.OutOrStdout(), "switched to %s (all indices reset)\n", result.NewModel)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete all indexed data and switch")
	return cmd
}
