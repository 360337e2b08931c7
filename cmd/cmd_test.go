package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/smazurov/procvisor/internal/daemon"
	"github.com/smazurov/procvisor/internal/events"
)

func TestMain(m *testing.M) {
	if handled, code := RunChild(context.Background(), os.Stdin, os.Stdout, os.Stderr); handled {
		os.Exit(code)
	}
	os.Exit(m.Run())
}

type cliEnv struct {
	dir        string
	configPath string
}

func setupCLIEnv(t *testing.T, daemons string) cliEnv {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "procvisor.toml")
	content := `
[daemon]
pid_dir = "` + filepath.Join(dir, "pids") + `"
daemons_dir = "` + filepath.Join(dir, "daemons") + `"
stop_interval = "50ms"

[cache]
path = "` + filepath.Join(dir, "cache.db") + `"

[logging]
level = "warn"
` + daemons
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cliEnv{dir: dir, configPath: configPath}
}

func runCLI(t *testing.T, env cliEnv, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	opts := &Options{Output: io.Discard}
	root := newRootCmd(opts)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected %q in output:\n%s", needle, haystack)
	}
}

func TestDaemonStartStatusStop(t *testing.T) {
	env := setupCLIEnv(t, `
[[daemons]]
id = "sleeper"
command = "sleep 30"
close_fds = true
`)

	out, err := runCLI(t, env, "daemon", "start", "sleeper")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Daemon sleeper started")

	out, err = runCLI(t, env, "daemon", "start", "sleeper")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	requireContains(t, out, "already running")

	out, err = runCLI(t, env, "daemon", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "sleeper")
	requireContains(t, out, "running")

	out, err = runCLI(t, env, "daemon", "stop", "sleeper")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Daemon sleeper stopped")

	if _, err := os.Stat(filepath.Join(env.dir, "pids", "sleeper.pid")); !os.IsNotExist(err) {
		t.Errorf("PID file should be gone, stat error %v", err)
	}

	out, err = runCLI(t, env, "daemon", "status", "sleeper")
	if err != nil {
		t.Fatalf("status after stop: %v", err)
	}
	requireContains(t, out, "stopped")
}

func TestDaemonUnknownID(t *testing.T) {
	env := setupCLIEnv(t, "")
	if _, err := runCLI(t, env, "daemon", "start", "ghost"); err == nil {
		t.Fatal("expected error for an unconfigured daemon")
	}
	if _, err := runCLI(t, env, "daemon", "status", "ghost"); err == nil {
		t.Fatal("expected error for status of an unconfigured daemon")
	}
	out, err := runCLI(t, env, "daemon", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "No daemons configured")
}

func TestWorkersExitFlag(t *testing.T) {
	env := setupCLIEnv(t, "")

	out, err := runCLI(t, env, "workers", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "should-workers-exit = false")

	if _, err := runCLI(t, env, "workers", "exit"); err != nil {
		t.Fatalf("exit: %v", err)
	}
	// A separate invocation reads the same SQLite cache.
	out, err = runCLI(t, env, "workers", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "should-workers-exit = true")

	if _, err := runCLI(t, env, "workers", "exit", "--clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	out, _ = runCLI(t, env, "workers", "status")
	requireContains(t, out, "should-workers-exit = false")
}

func TestPoolExecFetch(t *testing.T) {
	env := setupCLIEnv(t, "")
	out, err := runCLI(t, env, "pool", "exec", "--fetch", "echo", "hello", "pool")
	if err != nil {
		t.Fatalf("pool exec: %v", err)
	}
	requireContains(t, out, `"hello pool"`)

	if _, err := runCLI(t, env, "pool", "exec", "--fetch", "fail", "boom"); err == nil {
		t.Fatal("expected the task failure to be reported")
	}
}

func TestPoolMap(t *testing.T) {
	env := setupCLIEnv(t, "")
	out, err := runCLI(t, env, "--pool-size", "2", "pool", "map", "echo", "a", "b", "c")
	if err != nil {
		t.Fatalf("pool map: %v", err)
	}
	for _, want := range []string{`"a"`, `"b"`, `"c"`} {
		requireContains(t, out, want)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPoolEvents(t *testing.T) {
	var buf lockedBuffer
	bus := events.New()
	unsubscribe := watchPoolEvents(bus, slog.New(slog.NewTextHandler(&buf, nil)))
	defer unsubscribe()

	bus.Publish(events.PoolRetryEvent{Attempt: 1, Error: "fork: resource temporarily unavailable", Delay: "1s"})
	bus.Publish(events.WorkerFailedEvent{Desc: "pool-worker-2", Kind: "process", Error: "exit status 3"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		out := buf.String()
		if strings.Contains(out, "Retrying pool creation") && strings.Contains(out, "desc=pool-worker-2") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool events not logged:\n%s", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTasksCommand(t *testing.T) {
	env := setupCLIEnv(t, "")
	out, err := runCLI(t, env, "tasks")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	for _, name := range []string{"echo", "fail", "sleep"} {
		requireContains(t, out, name)
	}
}

func TestFlagOverridesConfig(t *testing.T) {
	env := setupCLIEnv(t, "")
	opts := &Options{Output: io.Discard}
	root := newRootCmd(opts)
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--config", env.configPath, "--stop-interval", "2s", "tasks"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if opts.StopInterval != 2*time.Second {
		t.Errorf("StopInterval = %v, want flag value 2s", opts.StopInterval)
	}
	if opts.PidDir != filepath.Join(env.dir, "pids") {
		t.Errorf("PidDir = %q, want value from config", opts.PidDir)
	}
}

func TestSupervisorKeepsDaemonsUp(t *testing.T) {
	env := setupCLIEnv(t, `
[[daemons]]
id = "napper"
task = "sleep"
args = ["30"]
close_fds = true
`)
	opts := &Options{Output: io.Discard}
	root := newRootCmd(opts)
	root.SetArgs([]string{"--config", env.configPath, "--check-interval", "50ms", "tasks"})
	root.SetOut(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- runSupervisor(ctx, opts, &out) }()

	d, err := opts.findDaemon("napper", events.New())
	if err != nil {
		t.Fatal(err)
	}
	firstPID := waitForPID(t, d, 0)

	// Kill it behind the supervisor's back; it should come back.
	if err := syscall.Kill(firstPID, syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}
	secondPID := waitForPID(t, d, firstPID)
	if secondPID == firstPID {
		t.Errorf("daemon was not restarted")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("supervisor: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	if d.Running() {
		t.Error("daemon still running after supervisor shutdown")
	}
	requireContains(t, out.String(), "napper")

	status, err := runCLI(t, env, "workers", "status")
	if err != nil {
		t.Fatalf("workers status: %v", err)
	}
	requireContains(t, status, "should-workers-exit = false")
}

func waitForPID(t *testing.T, d *daemon.Daemon, not int) int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if pid, ok := d.PID(); ok && pid != not && d.Running() {
			return pid
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("daemon %s did not come up", d.ID())
	return 0
}

func TestRenderTablePlain(t *testing.T) {
	out := renderTable([]string{"ID", "PID"}, [][]string{{"a", "1"}, {"b"}}, []columnAlignment{alignLeft, alignRight}, false)
	if strings.ContainsAny(out, "╭│") {
		t.Errorf("plain table should have no borders:\n%s", out)
	}
	requireContains(t, out, "ID")
	requireContains(t, out, "b")
	if renderTable(nil, nil, nil, false) != "" {
		t.Error("empty headers should render nothing")
	}
	styled := renderTable([]string{"ID"}, [][]string{{"a"}}, nil, true)
	requireContains(t, styled, "╭")
}
