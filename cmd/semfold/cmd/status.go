package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, model, and folder status",
		Long: `Display the daemon's published state: the resident model, every
registered folder with its lifecycle state and indexing progress, and
the depth of the indexing queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon()
			if err != nil {
				return err
			}
			if !client.IsRunning() {
				return fmt.Errorf("daemon is not running; start it with 'semfold daemon start'")
			}

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Fprintf(out, "daemon:  running (pid %d, up %s)\n", status.PID, status.Uptime)
			if status.Model.ModelID != "" {
				fmt.Fprintf(out, "model:   %s [%s] %s\n",
					status.Model.ModelID, status.Model.Backend, status.Model.State)
			} else {
				fmt.Fprintln(out, "model:   none resident")
			}
			fmt.Fprintf(out, "queue:   %d waiting\n", status.QueueDepth)

			if len(status.Folders) == 0 {
				fmt.Fprintln(out, "folders: none registered")
				return nil
			}
			fmt.Fprintln(out, "folders:")
			for _, f := range status.Folders {
				line := fmt.Sprintf("  %-12s %s (%s)", f.State, f.Path, f.Model)
				switch f.State {
				case "indexing":
					line += fmt.Sprintf("  %d/%d files, %.0f%%", f.IndexedFiles, f.TotalFiles, f.Progress)
				case "error":
					line += fmt.Sprintf("  %s: %s", f.ErrorCode, f.ErrorMessage)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
