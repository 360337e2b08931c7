package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/smazurov/procvisor/internal/task"
)

const (
	// EnvWorker marks a process started as a pool worker.
	EnvWorker = "PROCVISOR_POOL_WORKER"
	// ChildArg is the argv marker passed to pool workers.
	ChildArg = "__pool-worker"
)

// ChildMain serves pool requests on stdin/stdout when this process was
// spawned as a pool worker. handled is false otherwise. Logs must not go to
// stdout while it runs.
func ChildMain(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (handled bool, exitCode int) {
	if os.Getenv(EnvWorker) != "1" {
		return false, 0
	}
	os.Unsetenv(EnvWorker)
	if err := ServeWorker(ctx, stdin, stdout, task.Default); err != nil {
		fmt.Fprintln(stderr, err)
		return true, 1
	}
	return true, 0
}

// IsChild reports whether this process was spawned as a pool worker.
func IsChild() bool {
	return os.Getenv(EnvWorker) == "1"
}

// ServeWorker writes the ready handshake and then runs requests read from r
// one at a time, writing a response for each to w. It returns nil when r
// reaches EOF.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, registry *task.Registry) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(Response{Ready: true, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	dec := json.NewDecoder(r)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}

		resp := Response{ID: req.ID}
		entry := NewEntry(req.Task, req.Args)
		if err := entry.Run(ctx, registry); err != nil {
			resp.Error = err.Error()
		} else if entry.Result != nil {
			raw, err := json.Marshal(entry.Result)
			if err != nil {
				resp.Error = fmt.Sprintf("encode result: %v", err)
			} else {
				resp.Result = raw
			}
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
