package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/semfold/semfold/internal/daemon"
)

func newSearchCmd() *cobra.Command {
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <folder> <query>",
		Short: "Search a registered folder semantically",
		Long: `Run a semantic search over one registered folder.

The search may briefly pause background indexing while the folder's
model is swapped in; indexing resumes where it left off.

Examples:
  semfold search ~/Documents "tax documents from 2024"
  semfold search ~/src/notes "retry semantics" -n 5 --json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			query := strings.Join(args[1:], " ")

			client, _, err := dialDaemon()
			if err != nil {
				return err
			}

			hits, err := client.Search(cmd.Context(), daemon.SearchParams{
				Path:  path,
				Query: query,
				Limit: limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(hits)
			}

			if len(hits) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, h := range hits {
				fmt.Fprintf(out, "%2d. %s#%d  (%.3f)\n", i+1, h.DocumentID, h.Ordinal, h.Score)
				if h.Snippet != "" {
					fmt.Fprintf(out, "    %s\n", oneLine(h.Snippet))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// oneLine flattens a snippet for terminal display.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const max = 160
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
