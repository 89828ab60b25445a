package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/kekkai/internal/backend"
	"github.com/harunnryd/kekkai/internal/concurrency"
	"github.com/harunnryd/kekkai/internal/config"
	"github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/health"
	"github.com/harunnryd/kekkai/internal/limits"
	"github.com/harunnryd/kekkai/internal/rollback"
	"github.com/harunnryd/kekkai/internal/safety"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"
)

// Core orchestrates the sandbox lifecycle. It owns the per-sandbox
// operation locks and is the only writer of lifecycle transitions;
// validation, capacity checks, snapshots and health sampling are
// delegated to the components it wires together.
type Core struct {
	cfg       *config.Config
	store     *state.Store
	backend   backend.Backend
	validator *safety.Validator
	audit     *safety.AuditLogger
	locks     *concurrency.SandboxLockManager
	rollback  *rollback.Manager
	monitor   *health.Monitor
	sweeper   *rollback.Sweeper

	blockLevel          safety.Level
	rollbackOnViolation bool
	executeTimeout      time.Duration
	capacity            limits.Capacity
	retention           rollback.Retention

	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	byName    map[string]string
}

// New wires the engine from configuration. The data directory is
// claimed exclusively; a second engine on the same directory fails
// here.
func New(cfg *config.Config) (*Core, error) {
	lockCfg, err := fileLockConfig(cfg.Store)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.Engine.DataDir, lockCfg)
	if err != nil {
		return nil, err
	}

	be, err := backend.New(cfg.Engine.Backend, filepath.Join(cfg.Engine.DataDir, "boxes"))
	if err != nil {
		store.Close()
		return nil, err
	}

	validator, err := safety.NewValidator(safety.Options{RulesFile: cfg.Safety.RulesFile})
	if err != nil {
		store.Close()
		return nil, err
	}

	audit, err := safety.NewAuditLogger(
		filepath.Join(cfg.Engine.DataDir, "audit.log"),
		cfg.Safety.Audit.Enabled,
		cfg.Safety.Audit.RedactPatterns,
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	blockLevel, err := safety.ParseLevel(cfg.Safety.BlockLevel)
	if err != nil {
		store.Close()
		return nil, errors.Config(err.Error())
	}

	executeTimeout, err := config.DurationOrDefault(cfg.Engine.ExecuteTimeout, config.DefaultEngineExecuteTimeout)
	if err != nil {
		store.Close()
		return nil, errors.Config("invalid execute_timeout " + cfg.Engine.ExecuteTimeout)
	}

	snapshotMaxAge, err := config.DurationOrDefault(cfg.Safety.SnapshotMaxAge, config.DefaultSnapshotMaxAge)
	if err != nil {
		store.Close()
		return nil, errors.Config("invalid snapshot_max_age " + cfg.Safety.SnapshotMaxAge)
	}

	locks := concurrency.NewSandboxLockManager()

	core := &Core{
		cfg:       cfg,
		store:     store,
		backend:   be,
		validator: validator,
		audit:     audit,
		locks:     locks,
		rollback:  rollback.NewManager(store, be, locks),

		blockLevel:          blockLevel,
		rollbackOnViolation: cfg.Safety.RollbackOnViolation,
		executeTimeout:      executeTimeout,
		capacity: limits.DetectCapacity(limits.Capacity{
			CPUPercent: cfg.Engine.HostCapacity.CPUPercent,
			MemoryMB:   cfg.Engine.HostCapacity.MemoryMB,
			DiskMB:     cfg.Engine.HostCapacity.DiskMB,
		}),
		retention: rollback.Retention{
			MaxCount: cfg.Safety.MaxSnapshots,
			MaxAge:   snapshotMaxAge,
		},

		sandboxes: make(map[string]*sandbox.Sandbox),
		byName:    make(map[string]string),
	}

	usage, _ := be.(backend.UsageReporter)
	monitor, err := health.NewMonitor(cfg.Monitoring, core, usage, core)
	if err != nil {
		store.Close()
		return nil, err
	}
	core.monitor = monitor

	if cfg.Safety.SweepSchedule != "" {
		sweeper, err := rollback.NewSweeper(core.rollback, core, locks, cfg.Safety.SweepSchedule, core.retention)
		if err != nil {
			store.Close()
			return nil, err
		}
		core.sweeper = sweeper
	}

	return core, nil
}

func fileLockConfig(cfg config.StoreConfig) (*state.FileLockConfig, error) {
	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return nil, errors.Config("invalid store lock_timeout " + cfg.LockTimeout)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return nil, errors.Config("invalid store lock_retry " + cfg.LockRetry)
	}

	maxRetry := cfg.LockMaxRetry
	if maxRetry <= 0 {
		maxRetry = config.DefaultStoreLockMaxRetry
	}

	return &state.FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: maxRetry,
	}, nil
}

// Start rehydrates persisted sandboxes and brings up the monitor and
// the retention sweeper. Sandboxes that were mid-create when the
// previous process died are removed; one that died mid-rollback comes
// back Unhealthy, never silently Running.
func (c *Core) Start(ctx context.Context) error {
	records, err := c.store.ListRecords()
	if err != nil {
		return err
	}

	for _, record := range records {
		c.rehydrate(ctx, record)
	}

	if err := c.monitor.Start(ctx); err != nil {
		return err
	}
	if c.sweeper != nil {
		if err := c.sweeper.Start(ctx); err != nil {
			return err
		}
	}

	slog.Info("Engine started",
		"data_dir", c.cfg.Engine.DataDir,
		"backend", c.cfg.Engine.Backend,
		"sandboxes", len(c.List()),
	)
	return nil
}

func (c *Core) rehydrate(ctx context.Context, record state.Record) {
	sb := sandbox.Rehydrate(record.ID, record.Name, record.Config, record.State, record.CreatedAt)

	switch record.State {
	case sandbox.StateCreated, sandbox.StateInitializing:
		// Creation never completed; there is nothing to keep.
		slog.Warn("Removing half-initialized sandbox",
			"sandbox_id", record.ID,
			"state", string(record.State),
		)
		if err := c.store.RemoveSandbox(record.ID); err != nil {
			slog.Error("Failed to remove half-initialized sandbox",
				"sandbox_id", record.ID,
				"error", err,
			)
		}
		return

	case sandbox.StateDestroyed:
		if err := c.store.RemoveSandbox(record.ID); err != nil {
			slog.Error("Failed to remove destroyed sandbox record",
				"sandbox_id", record.ID,
				"error", err,
			)
		}
		return

	case sandbox.StateRollingBack:
		// The restore never finished and may be partial.
		if err := sb.Transition(sandbox.StateUnhealthy); err == nil {
			if err := c.store.SaveRecord(state.RecordOf(sb)); err != nil {
				slog.Warn("Failed to persist sandbox record",
					"sandbox_id", sb.ID,
					"error", err,
				)
			}
		}
		slog.Error("Sandbox was mid-rollback at shutdown, marked unhealthy",
			"sandbox_id", sb.ID,
		)

	case sandbox.StateRunning, sandbox.StatePaused:
		err := c.backend.Start(ctx, backend.StartSpec{
			SandboxID: sb.ID,
			Name:      sb.Name,
			Limits:    sb.Config.Limits,
		})
		if err != nil {
			slog.Error("Failed to reattach sandbox environment, marked unhealthy",
				"sandbox_id", sb.ID,
				"error", err,
			)
			if terr := sb.Transition(sandbox.StateUnhealthy); terr == nil {
				if perr := c.store.SaveRecord(state.RecordOf(sb)); perr != nil {
					slog.Warn("Failed to persist sandbox record",
						"sandbox_id", sb.ID,
						"error", perr,
					)
				}
			}
		}
	}

	c.mu.Lock()
	c.sandboxes[sb.ID] = sb
	c.byName[sb.Name] = sb.ID
	c.mu.Unlock()

	slog.Debug("Sandbox rehydrated",
		"sandbox_id", sb.ID,
		"name", sb.Name,
		"state", string(sb.State()),
	)
}

// Stop shuts the background components down and releases the data
// directory. Sandbox environments stay on disk for the next engine.
func (c *Core) Stop(ctx context.Context) error {
	var firstErr error

	if c.sweeper != nil {
		if err := c.sweeper.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.monitor.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	c.store.Close()

	slog.Info("Engine stopped")
	return firstErr
}

// Monitor exposes health reports and execution stats.
func (c *Core) Monitor() *health.Monitor {
	return c.monitor
}

// AuditLog exposes the gate decision trail for queries.
func (c *Core) AuditLog() *safety.AuditLogger {
	return c.audit
}

// Assess scores a command without executing anything.
func (c *Core) Assess(command string) safety.Assessment {
	return c.validator.Assess(command)
}

// BlockLevel is the configured severity at which operations are
// rejected.
func (c *Core) BlockLevel() safety.Level {
	return c.blockLevel
}
