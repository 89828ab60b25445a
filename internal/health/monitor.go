package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kekkai/internal/backend"
	"github.com/harunnryd/kekkai/internal/config"
	"github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/sandbox"
)

// SandboxSource lists the sandboxes the monitor watches.
type SandboxSource interface {
	Sandboxes() []*sandbox.Sandbox
}

// ExecStats aggregates execution outcomes per sandbox.
type ExecStats struct {
	Executions    int64         `json:"executions"`
	Failures      int64         `json:"failures"`
	Timeouts      int64         `json:"timeouts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastAt        time.Time     `json:"last_at"`
}

// Monitor samples resource usage for every running sandbox and grades
// it against the configured thresholds. One monitor watches the whole
// engine. Sampling is read-only and never touches the per-sandbox
// operation locks, so it cannot delay or be delayed by an in-flight
// execute or rollback.
type Monitor struct {
	source  SandboxSource
	usage   backend.UsageReporter
	actions Actions

	collectInterval time.Duration
	checkInterval   time.Duration
	degradedRatio   float64
	historySize     int
	thresholds      Thresholds
	action          Action

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	latest  map[string]Report
	history map[string]*ring
	stats   map[string]*ExecStats

	// armed marks sandboxes whose current breach episode already
	// dispatched its recovery action. Cleared when the sandbox samples
	// healthy again.
	armed map[string]bool
}

// NewMonitor builds a monitor from the monitoring config section.
// Unset intervals fall back to the defaults; malformed values are
// config errors.
func NewMonitor(cfg config.MonitoringConfig, source SandboxSource, usage backend.UsageReporter, actions Actions) (*Monitor, error) {
	collectInterval, err := config.DurationOrDefault(cfg.CollectionInterval, config.DefaultCollectionInterval)
	if err != nil {
		return nil, errors.Config("invalid collection_interval " + cfg.CollectionInterval)
	}
	checkInterval, err := config.DurationOrDefault(cfg.HealthCheckInterval, config.DefaultHealthCheckInterval)
	if err != nil {
		return nil, errors.Config("invalid health_check_interval " + cfg.HealthCheckInterval)
	}
	action, err := ParseAction(cfg.RecoveryAction)
	if err != nil {
		return nil, err
	}

	ratio := cfg.DegradedRatio
	if ratio <= 0 || ratio > 1 {
		ratio = config.DefaultDegradedRatio
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = config.DefaultHistorySize
	}

	return &Monitor{
		source:          source,
		usage:           usage,
		actions:         actions,
		collectInterval: collectInterval,
		checkInterval:   checkInterval,
		degradedRatio:   ratio,
		historySize:     historySize,
		thresholds: Thresholds{
			CPUPercent:    cfg.Thresholds.CPUPercent,
			MemoryPercent: cfg.Thresholds.MemoryPercent,
			DiskPercent:   cfg.Thresholds.DiskPercent,
		},
		action:  action,
		latest:  make(map[string]Report),
		history: make(map[string]*ring),
		stats:   make(map[string]*ExecStats),
		armed:   make(map[string]bool),
	}, nil
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(runCtx)

	slog.Info("Health monitor started",
		"collection_interval", m.collectInterval,
		"health_check_interval", m.checkInterval,
		"recovery_action", string(m.action),
	)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
		slog.Info("Health monitor stopped gracefully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	collect := time.NewTicker(m.collectInterval)
	defer collect.Stop()
	check := time.NewTicker(m.checkInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-collect.C:
			m.Collect()
		case <-check.C:
			m.CheckAll(ctx)
		}
	}
}

// Collect samples every running sandbox once. Also used directly for
// one-shot status queries outside the daemon. A backend without usage
// reporting leaves the monitor blind but functional.
func (m *Monitor) Collect() {
	if m.usage == nil {
		return
	}
	for _, sb := range m.source.Sandboxes() {
		if sb.State() != sandbox.StateRunning {
			continue
		}
		m.sample(sb)
	}
}

func (m *Monitor) sample(sb *sandbox.Sandbox) {
	usage, err := m.usage.Usage(sb.ID)
	if err != nil {
		slog.Debug("Usage sample failed",
			"sandbox_id", sb.ID,
			"error", err,
		)
		return
	}

	status, alerts := Classify(usage, sb.Config.Limits, m.thresholds, m.degradedRatio)
	report := Report{
		SandboxID:   sb.ID,
		Status:      status,
		Usage:       usage,
		Alerts:      alerts,
		Recommended: m.recommend(status),
		SampledAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.latest[sb.ID] = report
	hist := m.history[sb.ID]
	if hist == nil {
		hist = newRing(m.historySize)
		m.history[sb.ID] = hist
	}
	hist.push(report)
	m.mu.Unlock()

	if status != StatusHealthy {
		slog.Warn("Sandbox health degraded",
			"sandbox_id", sb.ID,
			"status", string(status),
			"cpu", usage.CPUPercent,
			"memory_mb", usage.MemoryMB,
			"disk_mb", usage.DiskMB,
		)
	}
}

func (m *Monitor) recommend(status Status) string {
	switch status {
	case StatusDegraded:
		return "observe"
	case StatusUnhealthy:
		return string(m.action)
	default:
		return ""
	}
}

// RecordExecution feeds one execution outcome into the per-sandbox
// stats.
func (m *Monitor) RecordExecution(sandboxID string, result *backend.ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stats[sandboxID]
	if st == nil {
		st = &ExecStats{}
		m.stats[sandboxID] = st
	}
	st.Executions++
	st.LastAt = time.Now().UTC()
	if result == nil {
		st.Failures++
		return
	}
	if result.ExitCode != 0 {
		st.Failures++
	}
	if result.TimedOut {
		st.Timeouts++
	}
	st.TotalDuration += result.Duration
}

// Latest returns the most recent report for a sandbox.
func (m *Monitor) Latest(sandboxID string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	report, ok := m.latest[sandboxID]
	return report, ok
}

// History returns the retained report window, oldest first.
func (m *Monitor) History(sandboxID string) []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.history[sandboxID]
	if hist == nil {
		return nil
	}
	return hist.list()
}

// Stats returns the aggregated execution stats for a sandbox.
func (m *Monitor) Stats(sandboxID string) (ExecStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.stats[sandboxID]
	if st == nil {
		return ExecStats{}, false
	}
	return *st, true
}

// Forget drops all retained data for a destroyed sandbox.
func (m *Monitor) Forget(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latest, sandboxID)
	delete(m.history, sandboxID)
	delete(m.stats, sandboxID)
	delete(m.armed, sandboxID)
}

// ring is a fixed-size report window.
type ring struct {
	slots []Report
	next  int
	full  bool
}

func newRing(size int) *ring {
	return &ring{slots: make([]Report, size)}
}

func (r *ring) push(report Report) {
	r.slots[r.next] = report
	r.next = (r.next + 1) % len(r.slots)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) list() []Report {
	if !r.full {
		return append([]Report(nil), r.slots[:r.next]...)
	}
	out := make([]Report, 0, len(r.slots))
	out = append(out, r.slots[r.next:]...)
	out = append(out, r.slots[:r.next]...)
	return out
}
