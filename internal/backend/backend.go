package backend

import (
	"context"
	"time"

	"github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/limits"
)

// Backend is the capability surface the engine needs from an isolation
// mechanism. Backends are addressed by sandbox ID and keep their own
// handle bookkeeping.
type Backend interface {
	// Start provisions the execution environment. Starting an already
	// provisioned sandbox re-attaches to it.
	Start(ctx context.Context, spec StartSpec) error

	// Exec runs one command to completion inside the sandbox.
	Exec(ctx context.Context, sandboxID string, cmd Command) (*ExecutionResult, error)

	// CaptureState serializes the sandbox's restorable state.
	CaptureState(ctx context.Context, sandboxID string) ([]byte, error)

	// RestoreState replaces the sandbox's state with a captured payload.
	RestoreState(ctx context.Context, sandboxID string, payload []byte) error

	// Stop tears the environment down. Stopping an unknown sandbox is
	// a no-op so destroy stays idempotent.
	Stop(ctx context.Context, sandboxID string) error
}

// UsageReporter is implemented by backends that can sample resource
// usage. Sampling must not block behind in-flight operations.
type UsageReporter interface {
	Usage(sandboxID string) (limits.Usage, error)
}

// StartSpec describes the environment to provision.
type StartSpec struct {
	SandboxID string
	Name      string
	Limits    limits.ResourceLimits
}

// Command is one operation to run inside a sandbox.
type Command struct {
	// Raw is the command line; backends tokenize it themselves and do
	// not involve a shell.
	Raw     string
	Env     map[string]string
	Timeout time.Duration
}

// ExecutionResult reports what one command did.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// ErrTerminationUnconfirmed is returned when a timed-out command's
// process could not be confirmed dead. The engine marks the sandbox
// Unhealthy when it sees this.
var ErrTerminationUnconfirmed = errors.Backend("process termination unconfirmed")
