package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/smazurov/procvisor/internal/task"
)

// ChildMain runs the task carried in the environment when this process was
// started by NewTaskProcess. handled is false otherwise. The result is
// written to stdout as JSON and failures to stderr.
func ChildMain(ctx context.Context, stdout, stderr io.Writer) (handled bool, exitCode int) {
	inv, ok, err := task.FromEnv(EnvPrefix)
	if !ok {
		return false, 0
	}
	// Grandchildren must not mistake themselves for task workers.
	os.Unsetenv(EnvPrefix + "_TASK")
	os.Unsetenv(EnvPrefix + "_ARGS")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return true, 2
	}
	return true, RunInvocation(ctx, task.Default, inv, stdout, stderr)
}

// RunInvocation looks up inv in registry and runs it in the calling
// goroutine, returning the process exit code.
func RunInvocation(ctx context.Context, registry *task.Registry, inv task.Invocation, stdout, stderr io.Writer) int {
	fn, err := registry.Lookup(inv.Name)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	result, err := fn(ctx, inv.Args)
	if err != nil {
		fmt.Fprintf(stderr, "task %s failed: %v\n", inv.Name, err)
		return 1
	}
	if result != nil {
		if err := json.NewEncoder(stdout).Encode(result); err != nil {
			fmt.Fprintf(stderr, "encode result: %v\n", err)
			return 1
		}
	}
	return 0
}
