package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/kekkai/internal/backend"
	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/limits"
	"github.com/harunnryd/kekkai/internal/logger"
	"github.com/harunnryd/kekkai/internal/rollback"
	"github.com/harunnryd/kekkai/internal/safety"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"
)

// Operation is one command to run inside a sandbox.
type Operation struct {
	Command string
	Env     map[string]string

	// Timeout overrides the engine default when positive.
	Timeout time.Duration

	// Override lets an identified actor run a blocked operation anyway.
	Override *safety.Override
}

type execLogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	TraceID   string        `json:"trace_id,omitempty"`
	Command   string        `json:"command"`
	Level     string        `json:"level"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Execute runs one operation in a running sandbox. The per-sandbox
// lock serializes it against snapshots, rollbacks and lifecycle
// changes. The safety gate and the capacity check run before the
// backend is touched; a timed-out operation fails without changing the
// sandbox state unless the backend cannot confirm the process died.
func (c *Core) Execute(ctx context.Context, ref string, op Operation) (*backend.ExecutionResult, error) {
	sb, err := c.Get(ref)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithSandboxID(ctx, sb.ID)

	c.locks.Lock(sb.ID)
	defer c.locks.Unlock(sb.ID)

	if current := sb.State(); current != sandbox.StateRunning {
		return nil, kekkaiErrors.InvalidState(
			fmt.Sprintf("sandbox %s is %s, execute requires running", sb.ID, current))
	}

	assessment := c.validator.Assess(op.Command)
	if err := c.gate(ctx, sb, op, assessment); err != nil {
		return nil, err
	}

	if err := c.checkCapacity(sb); err != nil {
		return nil, err
	}

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = c.executeTimeout
	}

	result, execErr := c.backend.Exec(ctx, sb.ID, backend.Command{
		Raw:     op.Command,
		Env:     op.Env,
		Timeout: timeout,
	})

	c.recordExecution(ctx, sb, op, assessment, result, execErr)

	if errors.Is(execErr, backend.ErrTerminationUnconfirmed) {
		if terr := sb.Transition(sandbox.StateUnhealthy); terr != nil {
			slog.Error("Failed to mark sandbox unhealthy",
				"sandbox_id", sb.ID,
				"error", terr,
			)
		} else if perr := c.store.SaveRecord(state.RecordOf(sb)); perr != nil {
			slog.Warn("Failed to persist sandbox record",
				"sandbox_id", sb.ID,
				"error", perr,
			)
		}
		slog.Error("Process termination unconfirmed, sandbox marked unhealthy",
			"sandbox_id", sb.ID,
			"command", op.Command,
		)
	}

	return result, execErr
}

// gate applies the safety policy. Every decision lands in the audit
// trail: allowed, overridden (with actor and reason) or blocked. A
// blocked critical operation additionally triggers the violation
// rollback when that policy is on.
func (c *Core) gate(ctx context.Context, sb *sandbox.Sandbox, op Operation, assessment safety.Assessment) error {
	entry := &safety.AuditEntry{
		SandboxID: sb.ID,
		Command:   op.Command,
		Level:     assessment.Level.String(),
		Rules:     assessment.MatchedIDs(),
	}

	if assessment.Level < c.blockLevel {
		entry.Action = safety.ActionAllowed
		c.auditLog(ctx, entry)
		return nil
	}

	if op.Override != nil && op.Override.Approved {
		if op.Override.Reason == "" {
			return kekkaiErrors.Security("override requires a reason")
		}
		entry.Action = safety.ActionOverridden
		entry.Override = op.Override
		c.auditLog(ctx, entry)

		slog.Warn("Blocked operation overridden",
			"sandbox_id", sb.ID,
			"level", assessment.Level.String(),
			"actor", op.Override.Actor,
			"reason", op.Override.Reason,
		)
		return nil
	}

	entry.Action = safety.ActionBlocked
	c.auditLog(ctx, entry)

	slog.Warn("Operation blocked",
		"sandbox_id", sb.ID,
		"level", assessment.Level.String(),
		"reason", assessment.Reason,
	)

	if c.rollbackOnViolation && assessment.Level >= safety.LevelCritical {
		c.violationRollback(ctx, sb, op, assessment)
	}

	return kekkaiErrors.Security(
		fmt.Sprintf("operation blocked at %s risk: %s", assessment.Level, assessment.Reason))
}

// violationRollback restores the sandbox to its latest snapshot after
// a blocked critical operation. A sandbox without snapshots is skipped
// with a log line; either way the outcome is audited.
func (c *Core) violationRollback(ctx context.Context, sb *sandbox.Sandbox, op Operation, assessment safety.Assessment) {
	err := c.rollback.RollbackLocked(ctx, sb, "", rollback.Options{
		Reason: "security violation: " + assessment.Reason,
	})

	entry := &safety.AuditEntry{
		SandboxID: sb.ID,
		Command:   op.Command,
		Level:     assessment.Level.String(),
		Action:    safety.ActionAutoRollback,
	}

	switch {
	case err == nil:
		slog.Info("Sandbox rolled back after security violation",
			"sandbox_id", sb.ID,
		)
	case errors.Is(err, kekkaiErrors.ErrNotFound):
		slog.Warn("Skipping violation rollback, sandbox has no snapshot",
			"sandbox_id", sb.ID,
		)
		entry.Error = "skipped: no snapshot"
	default:
		slog.Error("Violation rollback failed",
			"sandbox_id", sb.ID,
			"error", err,
		)
		entry.Error = err.Error()
	}

	c.auditLog(ctx, entry)
}

// checkCapacity rejects the operation when the sandbox already sits
// over one of its resource ceilings. Backends without usage reporting
// skip the check.
func (c *Core) checkCapacity(sb *sandbox.Sandbox) error {
	reporter, ok := c.backend.(backend.UsageReporter)
	if !ok {
		return nil
	}

	usage, err := reporter.Usage(sb.ID)
	if err != nil {
		slog.Debug("Usage sample unavailable for capacity check",
			"sandbox_id", sb.ID,
			"error", err,
		)
		return nil
	}
	return limits.Check(usage, sb.Config.Limits)
}

func (c *Core) recordExecution(ctx context.Context, sb *sandbox.Sandbox, op Operation, assessment safety.Assessment, result *backend.ExecutionResult, execErr error) {
	entry := execLogEntry{
		Timestamp: time.Now().UTC(),
		TraceID:   logger.GetTraceID(ctx),
		Command:   op.Command,
		Level:     assessment.Level.String(),
		ExitCode:  -1,
	}
	if result != nil {
		entry.ExitCode = result.ExitCode
		entry.Duration = result.Duration
		entry.TimedOut = result.TimedOut
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}

	if err := c.store.AppendExecLog(sb.ID, entry); err != nil {
		slog.Warn("Failed to append execution log",
			"sandbox_id", sb.ID,
			"error", err,
		)
	}
	c.monitor.RecordExecution(sb.ID, result)
}

func (c *Core) auditLog(ctx context.Context, entry *safety.AuditEntry) {
	if err := c.audit.Log(ctx, entry); err != nil {
		slog.Warn("Failed to write audit entry",
			"sandbox_id", entry.SandboxID,
			"action", entry.Action,
			"error", err,
		)
	}
}
