package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server     ServerConfig            `koanf:"server"`
	Engine     EngineConfig            `koanf:"engine"`
	Resources  ResourceLimitsConfig    `koanf:"resource_limits"`
	Safety     SafetyConstraintsConfig `koanf:"safety_constraints"`
	Monitoring MonitoringConfig        `koanf:"monitoring_config"`
	Store      StoreConfig             `koanf:"store"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
}

type EngineConfig struct {
	DataDir         string             `koanf:"data_dir"`
	Backend         string             `koanf:"backend"`
	ExecuteTimeout  string             `koanf:"execute_timeout"`
	ShutdownTimeout string             `koanf:"shutdown_timeout"`
	HostCapacity    HostCapacityConfig `koanf:"host_capacity"`
}

// HostCapacityConfig caps what sandboxes may reserve. Zero means detect
// (cpu) or unlimited (memory, disk).
type HostCapacityConfig struct {
	CPUPercent float64 `koanf:"cpu_percent"`
	MemoryMB   int64   `koanf:"memory_mb"`
	DiskMB     int64   `koanf:"disk_mb"`
}

type ResourceLimitsConfig struct {
	CPUPercent float64       `koanf:"cpu_percent"`
	MemoryMB   int64         `koanf:"memory_mb"`
	DiskMB     int64         `koanf:"disk_mb"`
	Network    NetworkConfig `koanf:"network"`
}

type NetworkConfig struct {
	AllowExternal bool `koanf:"allow_external"`
}

type SafetyConstraintsConfig struct {
	MaxSnapshots        int         `koanf:"max_snapshots"`
	CompressSnapshots   bool        `koanf:"compress_snapshots"`
	SnapshotMaxAge      string      `koanf:"snapshot_max_age"`
	SweepSchedule       string      `koanf:"sweep_schedule"`
	RulesFile           string      `koanf:"rules_file"`
	BlockLevel          string      `koanf:"block_level"`
	RollbackOnViolation bool        `koanf:"rollback_on_violation"`
	Audit               AuditConfig `koanf:"audit"`
}

type AuditConfig struct {
	Enabled        bool     `koanf:"enabled"`
	RedactPatterns []string `koanf:"redact_patterns"`
}

type MonitoringConfig struct {
	CollectionInterval  string                   `koanf:"collection_interval"`
	HealthCheckInterval string                   `koanf:"health_check_interval"`
	DegradedRatio       float64                  `koanf:"degraded_ratio"`
	HistorySize         int                      `koanf:"history_size"`
	Thresholds          ResourceThresholdsConfig `koanf:"resource_thresholds"`
	RecoveryAction      string                   `koanf:"recovery_action"`
}

type ResourceThresholdsConfig struct {
	CPUPercent    float64 `koanf:"cpu_percent"`
	MemoryPercent float64 `koanf:"memory_percent"`
	DiskPercent   float64 `koanf:"disk_percent"`
}

type StoreConfig struct {
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
}

const (
	DefaultServerLogLevel         = "info"
	DefaultEngineBackend          = "local"
	DefaultEngineExecuteTimeout   = "30s"
	DefaultEngineShutdownTimeout  = "10s"
	DefaultLimitCPUPercent        = 100.0
	DefaultLimitMemoryMB          = 512
	DefaultLimitDiskMB            = 1024
	DefaultMaxSnapshots           = 20
	DefaultCompressSnapshots      = true
	DefaultSnapshotMaxAge         = "168h"
	DefaultSweepSchedule          = "@every 1h"
	DefaultBlockLevel             = "critical"
	DefaultRollbackOnViolation    = true
	DefaultAuditEnabled           = true
	DefaultCollectionInterval     = "5s"
	DefaultHealthCheckInterval    = "15s"
	DefaultDegradedRatio          = 0.8
	DefaultHistorySize            = 32
	DefaultThresholdCPUPercent    = 90.0
	DefaultThresholdMemoryPercent = 90.0
	DefaultThresholdDiskPercent   = 90.0
	DefaultRecoveryAction         = "alert"
	DefaultStoreLockTimeout       = "5s"
	DefaultStoreLockRetry         = "200ms"
	DefaultStoreLockMaxRetry      = 25
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.log_level":                                   DefaultServerLogLevel,
		"engine.data_dir":                                    filepath.Join(os.Getenv("HOME"), ".kekkai"),
		"engine.backend":                                     DefaultEngineBackend,
		"engine.execute_timeout":                             DefaultEngineExecuteTimeout,
		"engine.shutdown_timeout":                            DefaultEngineShutdownTimeout,
		"engine.host_capacity.cpu_percent":                   0.0,
		"engine.host_capacity.memory_mb":                     int64(0),
		"engine.host_capacity.disk_mb":                       int64(0),
		"resource_limits.cpu_percent":                        DefaultLimitCPUPercent,
		"resource_limits.memory_mb":                          int64(DefaultLimitMemoryMB),
		"resource_limits.disk_mb":                            int64(DefaultLimitDiskMB),
		"resource_limits.network.allow_external":             false,
		"safety_constraints.max_snapshots":                   DefaultMaxSnapshots,
		"safety_constraints.compress_snapshots":              DefaultCompressSnapshots,
		"safety_constraints.snapshot_max_age":                DefaultSnapshotMaxAge,
		"safety_constraints.sweep_schedule":                  DefaultSweepSchedule,
		"safety_constraints.rules_file":                      "",
		"safety_constraints.block_level":                     DefaultBlockLevel,
		"safety_constraints.rollback_on_violation":           DefaultRollbackOnViolation,
		"safety_constraints.audit.enabled":                   DefaultAuditEnabled,
		"safety_constraints.audit.redact_patterns":           []string{},
		"monitoring_config.collection_interval":              DefaultCollectionInterval,
		"monitoring_config.health_check_interval":            DefaultHealthCheckInterval,
		"monitoring_config.degraded_ratio":                   DefaultDegradedRatio,
		"monitoring_config.history_size":                     DefaultHistorySize,
		"monitoring_config.resource_thresholds.cpu_percent":  DefaultThresholdCPUPercent,
		"monitoring_config.resource_thresholds.memory_percent": DefaultThresholdMemoryPercent,
		"monitoring_config.resource_thresholds.disk_percent": DefaultThresholdDiskPercent,
		"monitoring_config.recovery_action":                  DefaultRecoveryAction,
		"store.lock_timeout":                                 DefaultStoreLockTimeout,
		"store.lock_retry":                                   DefaultStoreLockRetry,
		"store.lock_max_retry":                               DefaultStoreLockMaxRetry,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kekkai", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("KEKKAI_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KEKKAI_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	dataDir, err := expandConfiguredPath(cfg.Engine.DataDir)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.Engine.DataDir = dataDir
	}

	rulesFile, err := expandConfiguredPath(cfg.Safety.RulesFile)
	if err != nil {
		return err
	}
	if rulesFile != "" {
		cfg.Safety.RulesFile = rulesFile
	}

	return nil
}
