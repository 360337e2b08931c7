package cmd

import (
	"context"
	"io"
	"os"

	"github.com/smazurov/procvisor/internal/daemon"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/pool"
	"github.com/smazurov/procvisor/internal/worker"
)

// RunChild runs this process as a pool worker, worker process or function
// daemon when it was started as one. handled is false for a normal
// invocation, which should go on to the command line.
func RunChild(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) (handled bool, exitCode int) {
	if pool.IsChild() {
		// stdout carries the pool protocol.
		logging.Initialize(logging.Config{Level: envOr("PROCVISOR_LOGGING_LEVEL", "info"), Output: stderr})
		return pool.ChildMain(ctx, stdin, stdout, stderr)
	}
	if handled, code := worker.ChildMain(ctx, stdout, stderr); handled {
		return true, code
	}
	if daemon.IsChild() {
		logging.Initialize(logging.Config{Level: envOr("PROCVISOR_LOGGING_LEVEL", "info"), Output: stderr})
		return daemon.ChildMain(ctx, stdout, stderr)
	}
	return false, 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
