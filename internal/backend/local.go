package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	kekkaiErrors "github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/limits"
)

// localWaitDelay bounds how long Exec waits for a killed process to be
// reaped before declaring termination unconfirmed.
const localWaitDelay = 5 * time.Second

// Local runs commands as host processes confined to a per-sandbox
// working directory with a minimal environment. Restorable state is
// the directory tree. Network denial is advisory (env marker) since a
// plain process backend has no kernel-level isolation.
type Local struct {
	mu      sync.RWMutex
	baseDir string
	boxes   map[string]*localBox
}

type localBox struct {
	workDir string
	spec    StartSpec

	mu         sync.Mutex
	cpuTotal   time.Duration
	lastRSS    int64
	lastSample time.Time
	lastCPU    time.Duration
}

func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".kekkai", "boxes")
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backend base directory: %w", err)
	}

	return &Local{
		baseDir: baseDir,
		boxes:   make(map[string]*localBox),
	}, nil
}

func (l *Local) Start(ctx context.Context, spec StartSpec) error {
	if spec.SandboxID == "" {
		return kekkaiErrors.Backend("start spec has no sandbox id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.boxes[spec.SandboxID]; ok {
		return nil
	}

	workDir := filepath.Join(l.baseDir, spec.SandboxID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return kekkaiErrors.MapBackendError(err)
	}

	l.boxes[spec.SandboxID] = &localBox{
		workDir:    workDir,
		spec:       spec,
		lastSample: time.Now(),
	}
	slog.Info("Local sandbox environment ready", "sandbox_id", spec.SandboxID, "path", workDir)

	return nil
}

func (l *Local) Exec(ctx context.Context, sandboxID string, cmd Command) (*ExecutionResult, error) {
	box, err := l.lookup(sandboxID)
	if err != nil {
		return nil, err
	}

	args, err := shlex.Split(cmd.Raw)
	if err != nil {
		return nil, kekkaiErrors.Backend(fmt.Sprintf("tokenize command: %v", err))
	}
	if len(args) == 0 {
		return nil, kekkaiErrors.Backend("command is empty")
	}

	execCtx := ctx
	cancel := func() {}
	if cmd.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	slog.Debug("Executing command in sandbox", "sandbox_id", sandboxID, "command", args[0])

	execCmd := exec.CommandContext(execCtx, args[0], args[1:]...)
	execCmd.Dir = box.workDir
	execCmd.Env = box.environ(cmd.Env)
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	execCmd.Cancel = func() error {
		if execCmd.Process == nil {
			return nil
		}
		return syscall.Kill(-execCmd.Process.Pid, syscall.SIGKILL)
	}
	execCmd.WaitDelay = localWaitDelay

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	runErr := execCmd.Run()

	result := &ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
		TimedOut: cmd.Timeout > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded),
	}
	if execCmd.ProcessState != nil {
		result.ExitCode = execCmd.ProcessState.ExitCode()
		box.recordUsage(execCmd.ProcessState)
	}

	switch {
	case errors.Is(runErr, exec.ErrWaitDelay), result.TimedOut && execCmd.ProcessState == nil:
		return result, fmt.Errorf("sandbox %s: %w", sandboxID, ErrTerminationUnconfirmed)

	case errors.Is(execCtx.Err(), context.Canceled):
		return result, context.Canceled

	case result.TimedOut:
		return result, kekkaiErrors.Backend(fmt.Sprintf("command timed out after %s", cmd.Timeout))
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is a result, not a backend failure.
			return result, nil
		}
		return result, kekkaiErrors.MapBackendError(runErr)
	}

	return result, nil
}

func (l *Local) CaptureState(ctx context.Context, sandboxID string) ([]byte, error) {
	box, err := l.lookup(sandboxID)
	if err != nil {
		return nil, err
	}

	data, err := tarDir(box.workDir)
	if err != nil {
		return nil, kekkaiErrors.MapBackendError(err)
	}
	return data, nil
}

func (l *Local) RestoreState(ctx context.Context, sandboxID string, payload []byte) error {
	box, err := l.lookup(sandboxID)
	if err != nil {
		return err
	}

	if err := clearDir(box.workDir); err != nil {
		return kekkaiErrors.MapBackendError(err)
	}
	if err := untarDir(payload, box.workDir); err != nil {
		return kekkaiErrors.MapBackendError(err)
	}
	return nil
}

func (l *Local) Stop(ctx context.Context, sandboxID string) error {
	l.mu.Lock()
	box, ok := l.boxes[sandboxID]
	delete(l.boxes, sandboxID)
	l.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.RemoveAll(box.workDir); err != nil {
		return kekkaiErrors.MapBackendError(err)
	}
	slog.Info("Local sandbox environment removed", "sandbox_id", sandboxID)

	return nil
}

// Usage reports a best-effort sample: CPU time consumed by completed
// commands over the window since the previous sample, the most recent
// peak RSS, and the working directory's disk footprint.
func (l *Local) Usage(sandboxID string) (limits.Usage, error) {
	box, err := l.lookup(sandboxID)
	if err != nil {
		return limits.Usage{}, err
	}

	box.mu.Lock()
	now := time.Now()
	var cpuPct float64
	if window := now.Sub(box.lastSample); window > 0 {
		cpuPct = float64(box.cpuTotal-box.lastCPU) / float64(window) * 100
	}
	box.lastSample = now
	box.lastCPU = box.cpuTotal
	rss := box.lastRSS
	box.mu.Unlock()

	return limits.Usage{
		CPUPercent: cpuPct,
		MemoryMB:   rss / (1 << 20),
		DiskMB:     dirSizeBytes(box.workDir) / (1 << 20),
	}, nil
}

func (l *Local) lookup(sandboxID string) (*localBox, error) {
	l.mu.RLock()
	box, ok := l.boxes[sandboxID]
	l.mu.RUnlock()

	if !ok {
		return nil, kekkaiErrors.NotFound(fmt.Sprintf("sandbox environment %s", sandboxID))
	}
	return box, nil
}

func (b *localBox) environ(extra map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + b.workDir,
	}
	if !b.spec.Limits.Network.AllowExternal {
		// Advisory marker for cooperating workloads; kernel-level
		// isolation belongs to stronger backends.
		env = append(env, "KEKKAI_NETWORK=deny")
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (b *localBox) recordUsage(ps *os.ProcessState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss is reported in kilobytes on Linux.
		b.lastRSS = ru.Maxrss * 1024
	}
	b.cpuTotal += ps.UserTime() + ps.SystemTime()
}

func dirSizeBytes(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total
}
