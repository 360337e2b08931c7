package pool

import (
	"encoding/json"
	"fmt"
)

// Request asks a pool worker to run one task. It is sent as a single JSON
// line on the worker's stdin.
type Request struct {
	ID   string   `json:"id"`
	Task string   `json:"task"`
	Args []string `json:"args"`
}

// Response answers a Request on the worker's stdout. The first line a worker
// writes is a handshake with Ready set and no ID.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Ready  bool            `json:"ready,omitempty"`
	PID    int             `json:"pid,omitempty"`
}

// TaskError is a failure reported by the task itself inside a pool worker.
type TaskError struct {
	Task    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s", e.Task, e.Message)
}
