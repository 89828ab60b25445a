package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/kekkai/internal/config"
	"github.com/harunnryd/kekkai/internal/engine"
)

// withEngine runs fn against a fully started engine and shuts it down
// afterwards. The data directory lock makes this exclusive with a
// running daemon.
func withEngine(fn func(ctx context.Context, core *engine.Core) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	core, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx := context.Background()
	if err := core.Start(ctx); err != nil {
		core.Stop(ctx)
		return fmt.Errorf("failed to start engine: %w", err)
	}

	runErr := fn(ctx, core)

	shutdownTimeout, _ := config.DurationOrDefault(cfg.Engine.ShutdownTimeout, config.DefaultEngineShutdownTimeout)
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := core.Stop(stopCtx); err != nil && runErr == nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}

	return runErr
}
