package process

import "time"

// State represents the current state of a supervised process.
type State string

// Process states.
const (
	StateIdle     State = "idle"     // Not running
	StateStarting State = "starting" // Being started
	StateRunning  State = "running"  // Active
	StateStopping State = "stopping" // Being stopped
	StateError    State = "error"    // Failed to start/crashed
)

// StateChangeFunc is called on every state transition. err is set when the
// new state is StateError.
type StateChangeFunc func(id string, oldState, newState State, err error)

// Info is a point-in-time snapshot of a supervised process.
type Info struct {
	ID        string
	Desc      string
	State     State
	PID       int
	StartedAt time.Time
	ExitCode  int
	LastError error
}
