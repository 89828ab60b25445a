package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kekkai/internal/concurrency"
	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/sandbox"

	"github.com/robfig/cron/v3"
)

// SandboxSource lists the sandboxes whose snapshot retention the
// sweeper maintains.
type SandboxSource interface {
	Sandboxes() []*sandbox.Sandbox
}

// Sweeper expires rollback points and prunes snapshots on a cron
// schedule. One sweeper serves the whole engine; busy sandboxes are
// skipped and picked up on the next pass.
type Sweeper struct {
	manager   *Manager
	source    SandboxSource
	locks     *concurrency.SandboxLockManager
	schedule  cron.Schedule
	spec      string
	retention Retention

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSweeper(manager *Manager, source SandboxSource, locks *concurrency.SandboxLockManager, scheduleSpec string, retention Retention) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(scheduleSpec)
	if err != nil {
		return nil, kekkaiErrors.Config(fmt.Sprintf("invalid sweep schedule %q: %v", scheduleSpec, err))
	}

	return &Sweeper{
		manager:   manager,
		source:    source,
		locks:     locks,
		schedule:  schedule,
		spec:      scheduleSpec,
		retention: retention,
	}, nil
}

func (sw *Sweeper) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = true

	runCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.mu.Unlock()

	sw.wg.Add(1)
	go sw.run(runCtx)

	slog.Info("Retention sweeper started", "schedule", sw.spec)
	return nil
}

func (sw *Sweeper) Stop(ctx context.Context) error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	sw.cancel()

	done := make(chan struct{})
	go func() {
		sw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Retention sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sw *Sweeper) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *Sweeper) run(ctx context.Context) {
	defer sw.wg.Done()

	for {
		timer := time.NewTimer(time.Until(sw.schedule.Next(time.Now())))
		select {
		case <-timer.C:
			sw.Sweep(ctx)
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Retention sweeper run loop stopped")
			return
		}
	}
}

// Sweep runs one retention pass over every sandbox. Also used directly
// for one-shot pruning from the CLI.
func (sw *Sweeper) Sweep(ctx context.Context) {
	for _, sb := range sw.source.Sandboxes() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sw.sweepOne(sb)
	}
}

func (sw *Sweeper) sweepOne(sb *sandbox.Sandbox) {
	if !sw.locks.TryLock(sb.ID) {
		slog.Debug("Skipping retention sweep, sandbox busy", "sandbox_id", sb.ID)
		return
	}
	defer sw.locks.Unlock(sb.ID)

	if sb.State() == sandbox.StateDestroyed {
		return
	}

	retention := sw.retention
	if sb.Config.MaxSnapshots > 0 {
		retention.MaxCount = sb.Config.MaxSnapshots
	}

	if _, err := sw.manager.CleanupPoints(sb.ID, retention); err != nil {
		slog.Warn("Retention sweep failed",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
}
