// Package cmd provides the CLI commands for semfold.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/semfold/semfold/internal/config"
	"github.com/semfold/semfold/internal/daemon"
	"github.com/semfold/semfold/pkg/version"
)

// configPath is the persistent --config flag.
var configPath string

// NewRootCmd creates the root command for the semfold CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "semfold",
		Short: "Semantic folder indexing daemon",
		Long: `semfold indexes registered folders with embedding models and serves
semantic search over them.

A background daemon owns the single resident model, schedules folder
indexing sequentially, and preempts indexing when a search needs a
different model. The CLI talks to it over a Unix socket.

Typical flow:
  semfold daemon start
  semfold add ~/Documents --model folder-mini-cpu
  semfold search ~/Documents "meeting notes from last week"`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("semfold version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.semfold/config.yaml)")

	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the config file named by --config or the default path.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// dialDaemon builds a client against the configured socket.
func dialDaemon() (*daemon.Client, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return daemon.NewClient(cfg.Daemon.SocketPath, 30*time.Second), cfg, nil
}
