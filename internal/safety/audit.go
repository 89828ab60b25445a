package safety

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kekkai/internal/logger"
)

// Gate decisions recorded in the audit trail.
const (
	ActionAllowed      = "allowed"
	ActionBlocked      = "blocked"
	ActionOverridden   = "overridden"
	ActionAutoRollback = "auto_rollback"
)

type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	SandboxID string    `json:"sandbox_id"`
	Command   string    `json:"command"`
	Level     string    `json:"level"`
	Rules     []string  `json:"rules,omitempty"`
	Action    string    `json:"action"`
	Override  *Override `json:"override,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type AuditFilter struct {
	SandboxID string
	Level     string
	Action    string
	Since     time.Time
	Until     time.Time
}

// AuditLogger records every gate decision and override as one JSON
// line, append-only. A disabled logger accepts entries and drops them.
type AuditLogger struct {
	mu             sync.RWMutex
	logPath        string
	enabled        bool
	redactPatterns []string
}

func NewAuditLogger(logPath string, enabled bool, redactPatterns []string) (*AuditLogger, error) {
	if !enabled {
		return &AuditLogger{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	return &AuditLogger{
		logPath:        logPath,
		enabled:        true,
		redactPatterns: redactPatterns,
	}, nil
}

func (al *AuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	if !al.enabled {
		return nil
	}
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.TraceID == "" {
		entry.TraceID = logger.GetTraceID(ctx)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	redacted := al.redact(entry)
	entryJSON, err := json.Marshal(redacted)
	if err != nil {
		slog.Error("Failed to marshal audit entry", "error", err)
		return err
	}

	f, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(entryJSON, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "error", err)
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	slog.Debug("Audit entry logged", "trace_id", entry.TraceID, "sandbox_id", entry.SandboxID, "action", entry.Action)
	return nil
}

func (al *AuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditEntry, error) {
	al.mu.RLock()
	defer al.mu.RUnlock()

	if !al.enabled {
		return []*AuditEntry{}, nil
	}

	file, err := os.Open(al.logPath)
	if os.IsNotExist(err) {
		return []*AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []*AuditEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Failed to parse audit entry", "line", string(line), "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if filter == nil {
		return entries, nil
	}
	return applyFilter(entries, filter), nil
}

func (al *AuditLogger) redact(entry *AuditEntry) *AuditEntry {
	redacted := *entry
	for _, pattern := range al.redactPatterns {
		redacted.Command = redactString(redacted.Command, pattern)
	}
	return &redacted
}

func redactString(data, pattern string) string {
	if data == "" || pattern == "" {
		return data
	}
	if re, err := regexp.Compile(pattern); err == nil {
		return re.ReplaceAllString(data, "[REDACTED]")
	}
	return strings.ReplaceAll(data, pattern, "[REDACTED]")
}

func applyFilter(entries []*AuditEntry, filter *AuditFilter) []*AuditEntry {
	var filtered []*AuditEntry
	for _, entry := range entries {
		if matchesFilter(entry, filter) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func matchesFilter(entry *AuditEntry, filter *AuditFilter) bool {
	if filter.SandboxID != "" && entry.SandboxID != filter.SandboxID {
		return false
	}
	if filter.Level != "" && entry.Level != filter.Level {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
		return false
	}
	return true
}
