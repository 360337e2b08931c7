package process

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

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

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shell(t *testing.T, script string, logger *slog.Logger, opts ...Option) *Process {
	t.Helper()
	if logger == nil {
		logger = quiet()
	}
	opts = append([]Option{WithKillTimeout(time.Second)}, opts...)
	return NewProcess("test", []string{"sh", "-c", script}, logger, opts...)
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		script string
		want   int
	}{
		{"exit 0", 0},
		{"exit 42", 42},
		{"kill -TERM $$", 128 + int(syscall.SIGTERM)},
		{"kill -KILL $$", ExitCodeKilled},
	}
	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			p := shell(t, tt.script, nil)
			if err := p.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitDone(t, p)
			if p.ExitCode() != tt.want {
				t.Errorf("exit code = %d, want %d", p.ExitCode(), tt.want)
			}
			if p.IsAlive() {
				t.Error("IsAlive after exit")
			}
		})
	}
}

func TestStartErrors(t *testing.T) {
	if err := NewProcess("empty", nil, quiet()).Start(); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("empty argv: %v", err)
	}

	p := NewProcess("missing", []string{"/nonexistent/command/that/does/not/exist"}, quiet())
	if err := p.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if p.Started() || p.PID() != 0 {
		t.Error("failed start must not look started")
	}

	p = shell(t, "sleep 10", nil)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(100 * time.Millisecond)
	if err := p.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if !IsRunning(p.PID()) {
		t.Error("IsRunning(pid) = false for started process")
	}
}

func TestStopGraceful(t *testing.T) {
	p := shell(t, "trap 'exit 3' TERM; while :; do sleep 0.05; done", nil)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	pid := p.PID()

	if code := p.Stop(2 * time.Second); code != 3 {
		t.Errorf("Stop = %d, want the trap's exit 3", code)
	}
	if IsRunning(pid) {
		t.Error("child not reaped after Stop")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	var logs lockedBuffer
	p := shell(t, "trap '' TERM; sleep 10", slog.New(slog.NewTextHandler(&logs, nil)))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if code := p.Stop(50 * time.Millisecond); code != ExitCodeKilled {
		t.Errorf("Stop = %d, want %d", code, ExitCodeKilled)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if !strings.Contains(logs.String(), "Grace period elapsed") {
		t.Errorf("missing escalation log: %s", logs.String())
	}
}

func TestStopBeforeStartAndAfterExit(t *testing.T) {
	p := shell(t, "exit 7", nil)
	if code := p.Stop(time.Millisecond); code != 0 {
		t.Errorf("Stop before Start = %d, want 0", code)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)
	if code := p.Stop(time.Millisecond); code != 7 {
		t.Errorf("Stop after exit = %d, want 7", code)
	}
	p.Signal(syscall.SIGTERM)
}

func TestOutputIsLogged(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	p := shell(t, `echo "$PROCVISOR_TEST_VALUE"; echo oops >&2`, logger, WithEnv("PROCVISOR_TEST_VALUE=42"))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)

	out := logs.String()
	for _, want := range []string{"msg=42", "source=stdout", "msg=oops", "source=stderr"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	var logs lockedBuffer
	p := shell(t, "pwd", slog.New(slog.NewTextHandler(&logs, nil)), WithDir(dir))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if cwd == dir {
		t.Fatal("test must not run inside the temp dir")
	}
	if !strings.Contains(logs.String(), dir) {
		t.Errorf("child did not run in %s: %s", dir, logs.String())
	}
}

func TestPipeMode(t *testing.T) {
	p := NewProcess("cat", []string{"cat"}, quiet(), WithStdio(StdioPipe))
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stdin, stdout := p.Pipes()
	if _, err := io.WriteString(stdin, "ping\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	stdin.Close()

	got, err := io.ReadAll(stdout)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ping\n" {
		t.Errorf("echoed %q, want %q", got, "ping\n")
	}
	waitDone(t, p)
	if p.ExitCode() != 0 {
		t.Errorf("exit code %d, want 0", p.ExitCode())
	}
}

func TestSignalReachesGroup(t *testing.T) {
	p := shell(t, "sleep 10 & wait", nil)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	p.Signal(syscall.SIGKILL)
	waitDone(t, p)
	if p.ExitCode() != ExitCodeKilled {
		t.Errorf("exit code %d, want %d", p.ExitCode(), ExitCodeKilled)
	}
}

func TestArgsCopy(t *testing.T) {
	p := NewProcess("test", []string{"echo", "hello"}, quiet())
	p.Args()[0] = "mutated"
	if got := p.Args()[0]; got != "echo" {
		t.Errorf("Args() exposed internal slice, got %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{`echo hello\ world`, []string{"echo", "hello world"}},
		{`sh -c "sleep 1; echo 'done'"`, []string{"sh", "-c", "sleep 1; echo 'done'"}},
		{`  sleep   5  `, []string{"sleep", "5"}},
		{"sleep\t20", []string{"sleep", "20"}},
		{`printf '%s\n' ""`, []string{"printf", `%s\n`, ""}},
		{``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCommand(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("ParseCommand(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	if _, err := ParseCommand(`echo "unclosed`); err == nil {
		t.Error("expected error for unclosed quote")
	}
}

func TestIsRunning(t *testing.T) {
	if IsRunning(0) || IsRunning(-1) {
		t.Error("non-positive pids must not be reported running")
	}
	if !IsRunning(syscall.Getpid()) {
		t.Error("current process should be running")
	}
	if !(OSTable{}).IsRunning(syscall.Getpid()) {
		t.Error("OSTable should report current process running")
	}
}
