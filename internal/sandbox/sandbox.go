package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/kekkai/internal/errors"
	"github.com/harunnryd/kekkai/internal/limits"
)

// Config is the per-sandbox configuration captured at creation time.
// It never changes for the lifetime of the sandbox.
type Config struct {
	Limits            limits.ResourceLimits `cbor:"limits" json:"limits"`
	MaxSnapshots      int                   `cbor:"max_snapshots" json:"max_snapshots"`
	CompressSnapshots bool                  `cbor:"compress_snapshots" json:"compress_snapshots"`
}

// Sandbox is one isolated execution environment tracked by the engine.
// Lifecycle state changes go through Transition; everything else is
// fixed at creation.
type Sandbox struct {
	ID        string
	Name      string
	Config    Config
	CreatedAt time.Time

	mu    sync.Mutex
	state State
}

func New(name string, cfg Config) *Sandbox {
	return &Sandbox{
		ID:        NewID(),
		Name:      name,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
		state:     StateCreated,
	}
}

// Rehydrate rebuilds a sandbox from its persisted record.
func Rehydrate(id, name string, cfg Config, state State, createdAt time.Time) *Sandbox {
	return &Sandbox{
		ID:        id,
		Name:      name,
		Config:    cfg,
		CreatedAt: createdAt,
		state:     state,
	}
}

// NewID returns a fresh sandbox identifier.
func NewID() string {
	return "sbx-" + ulid.Make().String()
}

func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the sandbox to a new lifecycle state, rejecting
// moves the state machine does not allow. The check and the change are
// atomic.
func (s *Sandbox) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.state, to) {
		return errors.InvalidState(fmt.Sprintf("sandbox %s cannot move from %s to %s", s.ID, s.state, to))
	}
	s.state = to
	return nil
}
