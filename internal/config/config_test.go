package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.LogLevel != DefaultServerLogLevel {
		t.Errorf("Expected default log level %s, got %s", DefaultServerLogLevel, cfg.Server.LogLevel)
	}
	if cfg.Engine.Backend != DefaultEngineBackend {
		t.Errorf("Expected default backend %s, got %s", DefaultEngineBackend, cfg.Engine.Backend)
	}
	if cfg.Engine.ExecuteTimeout != DefaultEngineExecuteTimeout {
		t.Errorf("Expected default execute timeout %s, got %s", DefaultEngineExecuteTimeout, cfg.Engine.ExecuteTimeout)
	}
	if cfg.Engine.ShutdownTimeout != DefaultEngineShutdownTimeout {
		t.Errorf("Expected default shutdown timeout %s, got %s", DefaultEngineShutdownTimeout, cfg.Engine.ShutdownTimeout)
	}
	if cfg.Resources.CPUPercent != DefaultLimitCPUPercent {
		t.Errorf("Expected default cpu limit %.1f, got %.1f", DefaultLimitCPUPercent, cfg.Resources.CPUPercent)
	}
	if cfg.Resources.MemoryMB != DefaultLimitMemoryMB {
		t.Errorf("Expected default memory limit %d, got %d", DefaultLimitMemoryMB, cfg.Resources.MemoryMB)
	}
	if cfg.Resources.Network.AllowExternal {
		t.Error("Expected network denied by default")
	}
	if cfg.Safety.MaxSnapshots != DefaultMaxSnapshots {
		t.Errorf("Expected default max snapshots %d, got %d", DefaultMaxSnapshots, cfg.Safety.MaxSnapshots)
	}
	if cfg.Safety.CompressSnapshots != DefaultCompressSnapshots {
		t.Errorf("Expected default compress snapshots %v, got %v", DefaultCompressSnapshots, cfg.Safety.CompressSnapshots)
	}
	if cfg.Safety.SnapshotMaxAge != DefaultSnapshotMaxAge {
		t.Errorf("Expected default snapshot max age %s, got %s", DefaultSnapshotMaxAge, cfg.Safety.SnapshotMaxAge)
	}
	if cfg.Safety.SweepSchedule != DefaultSweepSchedule {
		t.Errorf("Expected default sweep schedule %s, got %s", DefaultSweepSchedule, cfg.Safety.SweepSchedule)
	}
	if cfg.Safety.BlockLevel != DefaultBlockLevel {
		t.Errorf("Expected default block level %s, got %s", DefaultBlockLevel, cfg.Safety.BlockLevel)
	}
	if cfg.Safety.RollbackOnViolation != DefaultRollbackOnViolation {
		t.Errorf("Expected default rollback on violation %v, got %v", DefaultRollbackOnViolation, cfg.Safety.RollbackOnViolation)
	}
	if cfg.Safety.Audit.Enabled != DefaultAuditEnabled {
		t.Errorf("Expected default audit enabled %v, got %v", DefaultAuditEnabled, cfg.Safety.Audit.Enabled)
	}
	if cfg.Monitoring.CollectionInterval != DefaultCollectionInterval {
		t.Errorf("Expected default collection interval %s, got %s", DefaultCollectionInterval, cfg.Monitoring.CollectionInterval)
	}
	if cfg.Monitoring.HealthCheckInterval != DefaultHealthCheckInterval {
		t.Errorf("Expected default health check interval %s, got %s", DefaultHealthCheckInterval, cfg.Monitoring.HealthCheckInterval)
	}
	if cfg.Monitoring.DegradedRatio != DefaultDegradedRatio {
		t.Errorf("Expected default degraded ratio %.2f, got %.2f", DefaultDegradedRatio, cfg.Monitoring.DegradedRatio)
	}
	if cfg.Monitoring.HistorySize != DefaultHistorySize {
		t.Errorf("Expected default history size %d, got %d", DefaultHistorySize, cfg.Monitoring.HistorySize)
	}
	if cfg.Monitoring.Thresholds.MemoryPercent != DefaultThresholdMemoryPercent {
		t.Errorf("Expected default memory threshold %.1f, got %.1f", DefaultThresholdMemoryPercent, cfg.Monitoring.Thresholds.MemoryPercent)
	}
	if cfg.Monitoring.RecoveryAction != DefaultRecoveryAction {
		t.Errorf("Expected default recovery action %s, got %s", DefaultRecoveryAction, cfg.Monitoring.RecoveryAction)
	}
	if cfg.Store.LockTimeout != DefaultStoreLockTimeout {
		t.Errorf("Expected default store lock timeout %s, got %s", DefaultStoreLockTimeout, cfg.Store.LockTimeout)
	}
	if cfg.Store.LockRetry != DefaultStoreLockRetry {
		t.Errorf("Expected default store lock retry %s, got %s", DefaultStoreLockRetry, cfg.Store.LockRetry)
	}
	if cfg.Store.LockMaxRetry != DefaultStoreLockMaxRetry {
		t.Errorf("Expected default store lock max retry %d, got %d", DefaultStoreLockMaxRetry, cfg.Store.LockMaxRetry)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestLoadWithConfigFlag(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
server:
  log_level: debug
engine:
  backend: local
  execute_timeout: 90s
safety_constraints:
  max_snapshots: 5
  block_level: high
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("failed to load config with --config: %v", err)
	}

	if cfg.Server.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.Server.LogLevel)
	}
	if cfg.Engine.ExecuteTimeout != "90s" {
		t.Fatalf("expected execute timeout 90s, got %s", cfg.Engine.ExecuteTimeout)
	}
	if cfg.Safety.MaxSnapshots != 5 {
		t.Fatalf("expected max snapshots 5, got %d", cfg.Safety.MaxSnapshots)
	}
	if cfg.Safety.BlockLevel != "high" {
		t.Fatalf("expected block level high, got %s", cfg.Safety.BlockLevel)
	}
	// Untouched sections keep their defaults.
	if cfg.Monitoring.RecoveryAction != DefaultRecoveryAction {
		t.Fatalf("expected recovery action %s, got %s", DefaultRecoveryAction, cfg.Monitoring.RecoveryAction)
	}
}

func TestLoadWithMissingConfigFlagReturnsError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	if _, err := Load(cmd); err == nil {
		t.Fatal("expected error when --config points to missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KEKKAI_ENGINE_BACKEND", "firejail")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Engine.Backend != "firejail" {
		t.Fatalf("backend = %q, want env override firejail", cfg.Engine.Backend)
	}
}

func TestLoad_ExpandsConfiguredPaths(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
engine:
  data_dir: ~/.kekkai/data
safety_constraints:
  rules_file: ~/.kekkai/rules.yaml
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	wantDataDir := filepath.Join(tmpDir, ".kekkai", "data")
	if cfg.Engine.DataDir != wantDataDir {
		t.Fatalf("data dir = %q, want %q", cfg.Engine.DataDir, wantDataDir)
	}

	wantRulesFile := filepath.Join(tmpDir, ".kekkai", "rules.yaml")
	if cfg.Safety.RulesFile != wantRulesFile {
		t.Fatalf("rules file = %q, want %q", cfg.Safety.RulesFile, wantRulesFile)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	base, err := Load(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty data dir", func(c *Config) { c.Engine.DataDir = "" }},
		{"empty backend", func(c *Config) { c.Engine.Backend = "" }},
		{"bad execute timeout", func(c *Config) { c.Engine.ExecuteTimeout = "soon" }},
		{"negative cpu limit", func(c *Config) { c.Resources.CPUPercent = -1 }},
		{"negative max snapshots", func(c *Config) { c.Safety.MaxSnapshots = -1 }},
		{"unknown block level", func(c *Config) { c.Safety.BlockLevel = "fatal" }},
		{"degraded ratio above one", func(c *Config) { c.Monitoring.DegradedRatio = 1.5 }},
		{"zero history size", func(c *Config) { c.Monitoring.HistorySize = 0 }},
		{"unknown recovery action", func(c *Config) { c.Monitoring.RecoveryAction = "reboot" }},
		{"threshold above 100", func(c *Config) { c.Monitoring.Thresholds.CPUPercent = 150 }},
		{"negative lock retries", func(c *Config) { c.Store.LockMaxRetry = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tt.name)
			}
		})
	}
}
