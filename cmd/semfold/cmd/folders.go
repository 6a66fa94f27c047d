package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newAddCmd() *cobra.Command {
	var modelID string

	cmd := &cobra.Command{
		Use:   "add <folder>",
		Short: "Register a folder for indexing",
		Long: `Register a folder with the daemon. The folder is scanned, indexed
with the chosen embedding model, and then kept up to date as files change.

Examples:
  semfold add ~/Documents --model folder-mini-cpu
  semfold add ~/src/notes -m gemma-768-gpu`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			client, cfg, err := dialDaemon()
			if err != nil {
				return err
			}
			if modelID == "" {
				if len(cfg.Models) == 0 {
					return fmt.Errorf("no models configured; add one to %s", "~/.semfold/config.yaml")
				}
				modelID = cfg.Models[0].ID
			}

			if err := client.AddFolder(cmd.Context(), path, modelID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (model %s)\n", path, modelID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Embedding model id (default: first configured model)")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <folder>",
		Short: "Unregister a folder and drop its index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			client, _, err := dialDaemon()
			if err != nil {
				return err
			}
			if err := client.RemoveFolder(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", path)
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <folder>",
		Short: "Retry a folder stuck in error state",
		Long: `Re-arm a folder whose indexing failed. The folder goes back to
pending and is scanned again from scratch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			client, _, err := dialDaemon()
			if err != nil {
				return err
			}
			if err := client.RetryFolder(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retrying %s\n", path)
			return nil
		},
	}
}
