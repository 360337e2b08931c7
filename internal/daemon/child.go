package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/smazurov/procvisor/internal/task"
	"github.com/smazurov/procvisor/internal/worker"
)

func invocationEnv(name string, args []string) ([]string, error) {
	return task.Invocation{Name: name, Args: args}.Env(EnvPrefix)
}

// IsChild reports whether this process was started as a function-backed
// daemon.
func IsChild() bool {
	return os.Getenv(EnvPrefix+"_TASK") != ""
}

// ChildMain runs the task a function-backed daemon was started for. handled
// is false when this process is not such a daemon. SIGTERM and SIGINT
// cancel the task's context.
func ChildMain(ctx context.Context, stdout, stderr io.Writer) (handled bool, exitCode int) {
	inv, ok, err := task.FromEnv(EnvPrefix)
	if !ok {
		return false, 0
	}
	os.Unsetenv(EnvPrefix + "_TASK")
	os.Unsetenv(EnvPrefix + "_ARGS")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return true, 2
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return true, worker.RunInvocation(ctx, task.Default, inv, stdout, stderr)
}
