package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/kekkai/internal/config"
	"github.com/harunnryd/kekkai/internal/engine"
	"github.com/harunnryd/kekkai/internal/state"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the engine as a long-lived service",
	Long:  `Starts the engine and keeps it running: sandboxes are rehydrated, health monitoring samples continuously and the snapshot sweeper enforces retention. Stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		lockTimeout, _ := config.DurationOrDefault(cfg.Store.LockTimeout, config.DefaultStoreLockTimeout)
		if err := state.CleanupStaleLocks(cfg.Engine.DataDir, 10*lockTimeout, forceClean); err != nil {
			slog.Warn("Stale lock cleanup failed", "error", err)
		}

		core, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize engine: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := core.Start(ctx); err != nil {
			core.Stop(context.Background())
			return fmt.Errorf("failed to start engine: %w", err)
		}
		slog.Info("Kekkai daemon running", "data_dir", cfg.Engine.DataDir, "backend", cfg.Engine.Backend)

		<-ctx.Done()
		slog.Info("Shutdown signal received")

		shutdownTimeout, _ := config.DurationOrDefault(cfg.Engine.ShutdownTimeout, config.DefaultEngineShutdownTimeout)
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := core.Stop(stopCtx); err != nil {
			return fmt.Errorf("engine shutdown: %w", err)
		}
		slog.Info("Kekkai daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
