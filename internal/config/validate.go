package config

import (
	"fmt"

	"github.com/harunnryd/kekkai/internal/errors"
)

var validRiskLevels = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

var validRecoveryActions = map[string]bool{
	"pause":    true,
	"rollback": true,
	"alert":    true,
}

// Validate rejects an unsatisfiable configuration before the engine
// performs any side effect.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return errors.Config("engine.data_dir is empty")
	}
	if c.Engine.Backend == "" {
		return errors.Config("engine.backend is empty")
	}

	durations := map[string]string{
		"engine.execute_timeout":                  c.Engine.ExecuteTimeout,
		"engine.shutdown_timeout":                 c.Engine.ShutdownTimeout,
		"safety_constraints.snapshot_max_age":     c.Safety.SnapshotMaxAge,
		"monitoring_config.collection_interval":   c.Monitoring.CollectionInterval,
		"monitoring_config.health_check_interval": c.Monitoring.HealthCheckInterval,
		"store.lock_timeout":                      c.Store.LockTimeout,
		"store.lock_retry":                        c.Store.LockRetry,
	}
	for key, value := range durations {
		if _, err := DurationOrDefault(value, ""); err != nil {
			return errors.Config(fmt.Sprintf("%s: %v", key, err))
		}
	}

	if c.Resources.CPUPercent < 0 {
		return errors.Config("resource_limits.cpu_percent is negative")
	}
	if c.Resources.MemoryMB < 0 {
		return errors.Config("resource_limits.memory_mb is negative")
	}
	if c.Resources.DiskMB < 0 {
		return errors.Config("resource_limits.disk_mb is negative")
	}

	if c.Safety.MaxSnapshots < 0 {
		return errors.Config("safety_constraints.max_snapshots is negative")
	}
	if !validRiskLevels[c.Safety.BlockLevel] {
		return errors.Config(fmt.Sprintf("safety_constraints.block_level %q is not one of low, medium, high, critical", c.Safety.BlockLevel))
	}

	if c.Monitoring.DegradedRatio <= 0 || c.Monitoring.DegradedRatio > 1 {
		return errors.Config(fmt.Sprintf("monitoring_config.degraded_ratio %.2f is outside (0, 1]", c.Monitoring.DegradedRatio))
	}
	if c.Monitoring.HistorySize < 1 {
		return errors.Config("monitoring_config.history_size must be at least 1")
	}
	if !validRecoveryActions[c.Monitoring.RecoveryAction] {
		return errors.Config(fmt.Sprintf("monitoring_config.recovery_action %q is not one of pause, rollback, alert", c.Monitoring.RecoveryAction))
	}
	for key, pct := range map[string]float64{
		"monitoring_config.resource_thresholds.cpu_percent":    c.Monitoring.Thresholds.CPUPercent,
		"monitoring_config.resource_thresholds.memory_percent": c.Monitoring.Thresholds.MemoryPercent,
		"monitoring_config.resource_thresholds.disk_percent":   c.Monitoring.Thresholds.DiskPercent,
	} {
		if pct <= 0 || pct > 100 {
			return errors.Config(fmt.Sprintf("%s %.1f is outside (0, 100]", key, pct))
		}
	}

	if c.Store.LockMaxRetry < 0 {
		return errors.Config("store.lock_max_retry is negative")
	}

	return nil
}
