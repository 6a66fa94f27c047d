package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semfold/semfold/internal/fmdm"
)

func newWatchCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live state updates from the daemon",
		Long: `Subscribe to the daemon's state stream and print every snapshot as
it is published. Useful for watching indexing progress live.

Interrupt with Ctrl-C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)

			err = client.Watch(cmd.Context(), func(s fmdm.Snapshot) error {
				if jsonOutput {
					return enc.Encode(s)
				}
				fmt.Fprintf(out, "[%d] daemon=%s model=%s/%s queue=%d\n",
					s.Seq, s.Daemon, s.Model.ModelID, s.Model.State, s.QueueDepth)
				for _, f := range s.Folders {
					fmt.Fprintf(out, "    %-12s %s %.0f%%\n", f.State, f.Path, f.Progress)
				}
				return nil
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output raw snapshots as JSON lines")
	return cmd
}
