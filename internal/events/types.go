package events

// Event type constants for kelindar/event.
const (
	TypeDaemonStarted uint32 = iota + 1
	TypeDaemonStopped
	TypeWorkerStateChanged
	TypeWorkerFailed
	TypePoolCreated
	TypePoolRetry
	TypeWorkersExitFlag
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DaemonStartedEvent is published after a daemon's PID file has been written.
type DaemonStartedEvent struct {
	DaemonID  string `json:"daemon_id"`
	PID       int    `json:"pid"`
	Desc      string `json:"desc"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for DaemonStartedEvent.
func (e DaemonStartedEvent) Type() uint32 { return TypeDaemonStarted }

// DaemonStoppedEvent is published when Stop has finished with a daemon.
// Stopped is false when the process survived every kill attempt.
type DaemonStoppedEvent struct {
	DaemonID  string `json:"daemon_id"`
	PID       int    `json:"pid"`
	Attempts  int    `json:"attempts"`
	Stopped   bool   `json:"stopped"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for DaemonStoppedEvent.
func (e DaemonStoppedEvent) Type() uint32 { return TypeDaemonStopped }

// WorkerStateChangedEvent tracks worker process state transitions.
type WorkerStateChangedEvent struct {
	WorkerID  string `json:"worker_id"`
	Desc      string `json:"desc"`
	OldState  string `json:"old_state"`
	NewState  string `json:"new_state"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// WorkerFailedEvent is published when a thread or process worker records an error.
type WorkerFailedEvent struct {
	WorkerID  string `json:"worker_id"`
	Desc      string `json:"desc"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for WorkerFailedEvent.
func (e WorkerFailedEvent) Type() uint32 { return TypeWorkerFailed }

// PoolCreatedEvent is published once every pool worker has been spawned.
type PoolCreatedEvent struct {
	Size      int    `json:"size"`
	Attempts  int    `json:"attempts"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for PoolCreatedEvent.
func (e PoolCreatedEvent) Type() uint32 { return TypePoolCreated }

// PoolRetryEvent is published before a pool creation attempt is retried.
type PoolRetryEvent struct {
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	Delay     string `json:"delay"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for PoolRetryEvent.
func (e PoolRetryEvent) Type() uint32 { return TypePoolRetry }

// WorkersExitFlagEvent is published when the shared exit flag is written.
type WorkersExitFlagEvent struct {
	Value     bool   `json:"value"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for WorkersExitFlagEvent.
func (e WorkersExitFlagEvent) Type() uint32 { return TypeWorkersExitFlag }
