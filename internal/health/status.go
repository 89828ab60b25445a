package health

import (
	"fmt"
	"time"

	"github.com/harunnryd/kekkai/internal/limits"
)

// Status classifies a sandbox's resource health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Alert is one active finding attached to a report.
type Alert struct {
	Dimension string    `json:"dimension"`
	Severity  Status    `json:"severity"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Report is the health picture of one sandbox at one sampling tick.
// Reports are derived, not persisted; only the latest plus a bounded
// history window is retained per sandbox.
type Report struct {
	SandboxID   string       `json:"sandbox_id"`
	Status      Status       `json:"status"`
	Usage       limits.Usage `json:"usage"`
	Alerts      []Alert      `json:"alerts,omitempty"`
	Recommended string       `json:"recommended,omitempty"`
	SampledAt   time.Time    `json:"sampled_at"`
}

// Thresholds are breach lines in percent of the sandbox's own limit.
// A zero threshold disables the dimension.
type Thresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

// Classify grades a usage sample. Usage is expressed as a percentage of
// the sandbox's configured limit per dimension; at or past the
// threshold the dimension is unhealthy, at or past threshold times
// degradedRatio it is degraded. Unlimited dimensions never breach.
func Classify(usage limits.Usage, l limits.ResourceLimits, th Thresholds, degradedRatio float64) (Status, []Alert) {
	pct := limits.PercentOf(usage, l)
	now := time.Now().UTC()

	var alerts []Alert
	grade := func(dimension string, used, threshold float64) {
		if threshold <= 0 {
			return
		}
		switch {
		case used >= threshold:
			alerts = append(alerts, Alert{
				Dimension: dimension,
				Severity:  StatusUnhealthy,
				Message:   fmt.Sprintf("%s at %.1f%% of its limit (threshold %.1f%%)", dimension, used, threshold),
				RaisedAt:  now,
			})
		case used >= threshold*degradedRatio:
			alerts = append(alerts, Alert{
				Dimension: dimension,
				Severity:  StatusDegraded,
				Message:   fmt.Sprintf("%s at %.1f%% of its limit, nearing threshold %.1f%%", dimension, used, threshold),
				RaisedAt:  now,
			})
		}
	}

	grade("cpu", pct.CPU, th.CPUPercent)
	grade("memory", pct.Memory, th.MemoryPercent)
	grade("disk", pct.Disk, th.DiskPercent)

	status := StatusHealthy
	for _, alert := range alerts {
		if alert.Severity == StatusUnhealthy {
			return StatusUnhealthy, alerts
		}
		status = StatusDegraded
	}
	return status, alerts
}
