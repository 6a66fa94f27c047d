package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/semfold/semfold/internal/daemon"
	"github.com/semfold/semfold/internal/logging"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background indexing daemon",
		Long: `The daemon owns the resident embedding model, watches registered
folders, and serves search over a Unix socket.

Commands:
  start   Start the daemon (runs in background by default)
  stop    Stop the running daemon
  status  Show whether the daemon is running

Examples:
  semfold daemon start      # Start daemon in background
  semfold daemon start -f   # Run in foreground (for debugging)
  semfold daemon stop       # Stop the daemon`,
	}

	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())

	return cmd
}

func newDaemonStartCmd() *cobra.Command {
	var foreground bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStart(cmd, foreground)
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long:  `Sends SIGTERM to the daemon process for graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStop(cmd)
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon()
			if err != nil {
				return err
			}
			if !client.IsRunning() {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon running (pid %d, up %s, %d folders)\n",
				status.PID, status.Uptime, len(status.Folders))
			return nil
		},
	}
}

func runDaemonStart(cmd *cobra.Command, foreground bool) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	client := daemon.NewClient(cfg.Daemon.SocketPath, 5*time.Second)
	if client.IsRunning() {
		fmt.Fprintln(cmd.OutOrStdout(), "daemon is already running")
		return nil
	}

	if !foreground {
		return spawnBackground(cmd)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Daemon.LogLevel
	logCfg.WriteToStderr = true
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{ConfigPath: cfgPath, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "daemon listening on %s\n", cfg.Daemon.SocketPath)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// spawnBackground re-executes this binary with daemon start -f, detached.
func spawnBackground(cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	args := []string{"daemon", "start", "--foreground"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	child := exec.Command(exe, args...)
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	// Do not wait: the child outlives this process
	_ = child.Process.Release()

	fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.NewPIDFile(filepath.Join(cfg.Daemon.DataDir, "daemon.pid"))
	if !pidFile.IsRunning() {
		fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
		return nil
	}

	if err := pidFile.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	// Wait briefly for the socket to go away
	client := daemon.NewClient(cfg.Daemon.SocketPath, 2*time.Second)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !client.IsRunning() {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within 10s")
}
