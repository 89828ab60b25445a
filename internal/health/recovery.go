package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/kekkai/internal/concurrency"
	"github.com/harunnryd/kekkai/internal/errors"
)

// Action is the recovery policy applied when a sandbox goes unhealthy.
type Action string

const (
	// ActionAlert records and logs the breach without touching the
	// sandbox.
	ActionAlert Action = "alert"
	// ActionPause suspends the sandbox.
	ActionPause Action = "pause"
	// ActionRollback restores the sandbox to its latest snapshot.
	ActionRollback Action = "rollback"
)

// ParseAction validates a configured recovery action. Empty means
// alert.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case "":
		return ActionAlert, nil
	case ActionAlert, ActionPause, ActionRollback:
		return Action(s), nil
	default:
		return "", errors.Config(fmt.Sprintf("unknown recovery action %q, want alert, pause or rollback", s))
	}
}

// Actions is the narrow slice of engine behavior recovery may invoke.
type Actions interface {
	Pause(ctx context.Context, sandboxID string) error
	RollbackLatest(ctx context.Context, sandboxID, reason string) error
}

// CheckAll walks the latest reports and drives recovery. An unhealthy
// sandbox gets the configured action dispatched exactly once per breach
// episode; the episode re-arms when the sandbox samples healthy again.
// Dispatches run detached so a slow recovery never stalls the sampling
// cadence.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	var dispatches []Report
	for id, report := range m.latest {
		switch {
		case report.Status == StatusUnhealthy && !m.armed[id]:
			m.armed[id] = true

			alerts := append([]Alert(nil), report.Alerts...)
			alerts = append(alerts, Alert{
				Dimension: "recovery",
				Severity:  StatusUnhealthy,
				Message:   fmt.Sprintf("recovery action %s dispatched", m.action),
				RaisedAt:  now,
			})
			report.Alerts = alerts
			m.latest[id] = report

			dispatches = append(dispatches, report)
		case report.Status == StatusHealthy && m.armed[id]:
			delete(m.armed, id)
			slog.Info("Sandbox recovered, recovery re-armed",
				"sandbox_id", id,
			)
		}
	}
	m.mu.Unlock()

	for _, report := range dispatches {
		m.dispatch(ctx, report)
	}
}

func (m *Monitor) dispatch(ctx context.Context, report Report) {
	slog.Warn("Recovery action dispatched",
		"sandbox_id", report.SandboxID,
		"action", string(m.action),
		"status", string(report.Status),
	)

	if m.action == ActionAlert || m.actions == nil {
		return
	}

	reason := "health recovery"
	if len(report.Alerts) > 0 {
		reason = "health recovery: " + report.Alerts[0].Message
	}

	sandboxID := report.SandboxID
	concurrency.SafeGo("health-recovery-"+sandboxID, func() {
		var err error
		switch m.action {
		case ActionPause:
			err = m.actions.Pause(ctx, sandboxID)
		case ActionRollback:
			err = m.actions.RollbackLatest(ctx, sandboxID, reason)
		}
		if err != nil {
			slog.Error("Recovery action failed",
				"sandbox_id", sandboxID,
				"action", string(m.action),
				"error", err,
			)
		}
	}, nil)
}
