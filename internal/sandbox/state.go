package sandbox

// State is a sandbox lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateRollingBack  State = "rolling_back"
	StateUnhealthy    State = "unhealthy"
	StateDestroyed    State = "destroyed"
)

// transitions lists the legal moves out of each state. Destroyed is
// reachable from every other state and terminal. Running moves to
// Unhealthy directly when a kill cannot be confirmed.
var transitions = map[State][]State{
	StateCreated:      {StateInitializing},
	StateInitializing: {StateRunning},
	StateRunning:      {StatePaused, StateRollingBack, StateUnhealthy},
	StatePaused:       {StateRunning},
	StateRollingBack:  {StateRunning, StateUnhealthy},
	StateUnhealthy:    {},
	StateDestroyed:    {},
}

func CanTransition(from, to State) bool {
	if from == StateDestroyed {
		return false
	}
	if to == StateDestroyed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s names a known lifecycle state.
func Valid(s State) bool {
	_, ok := transitions[s]
	return ok
}
