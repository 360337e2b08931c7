package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/procvisor/internal/process"
	"github.com/smazurov/procvisor/internal/task"
)

func TestMain(m *testing.M) {
	if handled, code := ChildMain(context.Background(), os.Stdout, os.Stderr); handled {
		os.Exit(code)
	}
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func blockingTask(ctx context.Context, _ []string) (any, error) {
	<-ctx.Done()
	return nil, context.Cause(ctx)
}

func TestThreadRunsTask(t *testing.T) {
	reg := NewRegistry()
	th := NewThread("echo", task.Echo, []string{"a", "b"}, WithRegistry(reg), WithLogger(testLogger()))
	if th.Desc() != "" {
		t.Errorf("Desc() before Start = %q, want empty", th.Desc())
	}
	if err := th.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !th.Join(time.Second) {
		t.Fatal("thread did not finish")
	}

	if got := th.Result(); got != "a b" {
		t.Errorf("Result() = %v, want %q", got, "a b")
	}
	if th.HasRaisedException() || th.ExceptionMsg() != "" {
		t.Errorf("unexpected exception %q", th.ExceptionMsg())
	}
	if !strings.HasPrefix(th.Desc(), "echo-thread-") {
		t.Errorf("Desc() = %q, want echo-thread-N", th.Desc())
	}
	if th.IsAlive() {
		t.Error("IsAlive() = true after Join")
	}
	if reg.Len() != 0 {
		t.Errorf("registry holds %d finished workers", reg.Len())
	}
	if err := th.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestThreadDescCounterIncrements(t *testing.T) {
	a := NewThread("noop", task.Echo, nil, WithRegistry(NewRegistry()))
	b := NewThread("noop", task.Echo, nil, WithRegistry(NewRegistry()))
	a.Start()
	b.Start()
	a.Join(time.Second)
	b.Join(time.Second)
	if a.Desc() == b.Desc() {
		t.Errorf("descs should differ, both %q", a.Desc())
	}
}

func TestThreadCapturesError(t *testing.T) {
	logger, buf := bufferLogger()
	th := NewThread("fail", task.Fail, []string{"boom"}, WithRegistry(NewRegistry()), WithLogger(logger))
	th.Start()
	th.Join(time.Second)

	if !th.HasRaisedException() {
		t.Fatal("HasRaisedException() = false")
	}
	if th.ExceptionMsg() != "boom" {
		t.Errorf("ExceptionMsg() = %q, want boom", th.ExceptionMsg())
	}
	if !strings.Contains(buf.String(), "Exception raised by thread") {
		t.Errorf("failure not logged: %s", buf.String())
	}
}

func TestThreadCapturesPanic(t *testing.T) {
	th := NewThread("panics", func(context.Context, []string) (any, error) {
		panic("kaboom")
	}, nil, WithRegistry(NewRegistry()))
	th.Start()
	th.Join(time.Second)

	if !th.HasRaisedException() || !strings.Contains(th.ExceptionMsg(), "kaboom") {
		t.Errorf("panic not captured, msg %q", th.ExceptionMsg())
	}
}

func TestThreadTerminate(t *testing.T) {
	reg := NewRegistry()
	th := NewThread("block", blockingTask, nil, WithRegistry(reg))
	th.Start()

	if !th.IsAlive() {
		t.Fatal("thread should be alive")
	}
	if reg.Len() != 1 {
		t.Errorf("registry Len() = %d, want 1", reg.Len())
	}

	th.Terminate()
	if !th.Join(time.Second) {
		t.Fatal("thread ignored Terminate")
	}
	if !errors.Is(th.Err(), ErrTerminated) {
		t.Errorf("Err() = %v, want ErrTerminated", th.Err())
	}
	if th.HasRaisedException() {
		t.Error("termination must not count as an exception")
	}
}

func TestThreadTerminateCtxErr(t *testing.T) {
	logger, buf := bufferLogger()
	th := NewThread("block", func(ctx context.Context, _ []string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, WithRegistry(NewRegistry()), WithLogger(logger))
	th.Start()

	th.Terminate()
	if !th.Join(time.Second) {
		t.Fatal("thread ignored Terminate")
	}
	if !errors.Is(th.Err(), ErrTerminated) {
		t.Errorf("Err() = %v, want ErrTerminated", th.Err())
	}
	if th.HasRaisedException() {
		t.Errorf("terminated thread reported exception %q", th.ExceptionMsg())
	}
	if strings.Contains(buf.String(), "Exception raised by thread") {
		t.Errorf("termination logged as failure:\n%s", buf.String())
	}
}

func TestThreadInterruptCtxErrKeepsCause(t *testing.T) {
	cause := errors.New("deadline hit")
	th := NewThread("block", func(ctx context.Context, _ []string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, WithRegistry(NewRegistry()))
	th.Start()

	if _, err := th.Interrupt(cause); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	th.Join(time.Second)
	if !errors.Is(th.Err(), cause) || !th.HasRaisedException() {
		t.Errorf("Err() = %v, want %v recorded as exception", th.Err(), cause)
	}
}

func TestThreadInterrupt(t *testing.T) {
	cause := errors.New("stop now")

	th := NewThread("block", blockingTask, nil, WithRegistry(NewRegistry()))
	if _, err := th.Interrupt(cause); !errors.Is(err, ErrThreadNotStarted) {
		t.Errorf("Interrupt before Start = %v, want ErrThreadNotStarted", err)
	}
	if _, err := th.Interrupt(nil); !errors.Is(err, ErrInvalidCause) {
		t.Errorf("Interrupt(nil) = %v, want ErrInvalidCause", err)
	}
	if ErrInvalidCause.Error() != "only non-nil causes can be raised" {
		t.Errorf("ErrInvalidCause message = %q", ErrInvalidCause.Error())
	}

	th.Start()
	res, err := th.Interrupt(cause)
	if err != nil || res != InterruptDelivered {
		t.Fatalf("Interrupt = %v, %v; want delivered", res, err)
	}
	th.Join(time.Second)
	if !errors.Is(th.Err(), cause) || !th.HasRaisedException() {
		t.Errorf("Err() = %v, want cause recorded as exception", th.Err())
	}

	res, err = th.Interrupt(cause)
	if err != nil || res != InterruptNoop {
		t.Errorf("Interrupt after finish = %v, %v; want noop", res, err)
	}
}

func TestInterruptByID(t *testing.T) {
	reg := NewRegistry()
	th := NewThread("block", blockingTask, nil, WithRegistry(reg))
	th.Start()
	defer th.Terminate()

	if _, err := reg.Interrupt("no-such-worker", errors.New("x")); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("unknown id = %v, want ErrUnknownWorker", err)
	}
	if _, err := reg.Interrupt(th.ID(), nil); !errors.Is(err, ErrInvalidCause) {
		t.Errorf("nil cause = %v, want ErrInvalidCause", err)
	}
	if _, err := InterruptByID("no-such-worker", errors.New("x")); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("InterruptByID unknown = %v, want ErrUnknownWorker", err)
	}

	res, err := reg.Interrupt(th.ID(), ErrTerminated)
	if err != nil || res != InterruptDelivered {
		t.Fatalf("Interrupt = %v, %v", res, err)
	}
	if !th.Join(time.Second) {
		t.Error("thread did not stop")
	}
}

func TestThreadParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	th := NewThread("block", blockingTask, nil, WithRegistry(NewRegistry()), WithContext(ctx))
	th.Start()
	cancel()
	if !th.Join(time.Second) {
		t.Fatal("thread ignored parent cancellation")
	}
	if !errors.Is(th.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", th.Err())
	}
}

func TestJoinUnstartedAndZeroTimeout(t *testing.T) {
	th := NewThread("block", blockingTask, nil, WithRegistry(NewRegistry()))
	if !th.Join(0) {
		t.Error("unstarted thread should join immediately")
	}
	th.Start()
	defer th.Terminate()
	if th.Join(0) {
		t.Error("Join(0) on running thread should report false")
	}
	if th.Join(20 * time.Millisecond) {
		t.Error("Join with short timeout on running thread should report false")
	}
}

func TestNewTaskThreadUnknown(t *testing.T) {
	if _, err := NewTaskThread("definitely-not-registered", nil); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("err = %v, want ErrUnknownTask", err)
	}
}

type opaqueTask struct{}

func (opaqueTask) Name() string { return "opaque" }
func (opaqueTask) Desc() string { return "opaque" }
func (opaqueTask) IsAlive() bool { return true }
func (opaqueTask) HasRaisedException() bool { return false }
func (opaqueTask) ExceptionMsg() string { return "" }
func (opaqueTask) Join(time.Duration) bool { return false }

func TestManagedAndLiveOrder(t *testing.T) {
	reg := NewRegistry()
	first := NewThread("block", blockingTask, nil, WithRegistry(reg))
	second := NewThread("block", blockingTask, nil, WithRegistry(reg))

	if Managed(first) {
		t.Error("unstarted thread should not be managed")
	}
	if Managed(opaqueTask{}) {
		t.Error("foreign task should not be managed")
	}
	var nilThread *Thread
	if Managed(nilThread) {
		t.Error("nil thread should not be managed")
	}

	first.Start()
	second.Start()
	defer first.Terminate()
	defer second.Terminate()

	if !Managed(first) {
		t.Error("started thread should be managed")
	}
	live := reg.Live()
	if len(live) != 2 || live[0] != Task(first) || live[1] != Task(second) {
		t.Errorf("Live() = %v, want [first second]", live)
	}
	if got, ok := reg.Lookup(first.ID()); !ok || got != Task(first) {
		t.Error("Lookup did not find first thread")
	}
}

func TestInterruptResultString(t *testing.T) {
	if InterruptNoop.String() != "noop" || InterruptDelivered.String() != "delivered" {
		t.Error("unexpected InterruptResult strings")
	}
}

func newShellProcess(t *testing.T, script string, opts ...Option) *Process {
	t.Helper()
	opts = append([]Option{
		WithRegistry(NewRegistry()),
		WithLogger(testLogger()),
		WithGracePeriod(200 * time.Millisecond),
	}, opts...)
	return NewProcess("sh", []string{"sh", "-c", script}, opts...)
}

func TestProcessSuccess(t *testing.T) {
	p := newShellProcess(t, "exit 0")
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.Join(2 * time.Second) {
		t.Fatal("process did not exit")
	}
	if p.HasRaisedException() {
		t.Errorf("unexpected exception %q", p.ExceptionMsg())
	}
	if info := p.Info(); info.State != process.StateIdle || info.PID == 0 {
		t.Errorf("Info() = %+v, want idle with pid", info)
	}
	if !strings.HasPrefix(p.Desc(), "sh-process-") {
		t.Errorf("Desc() = %q", p.Desc())
	}
}

func TestProcessNonZeroExitIsCaptured(t *testing.T) {
	logger, buf := bufferLogger()
	p := newShellProcess(t, "exit 3", WithLogger(logger))
	p.Start()
	p.Join(2 * time.Second)

	if !p.HasRaisedException() {
		t.Fatal("HasRaisedException() = false for exit 3")
	}
	if p.ExitCode() != 3 || p.ExceptionMsg() != "exit status 3" {
		t.Errorf("exit %d, msg %q", p.ExitCode(), p.ExceptionMsg())
	}
	if !strings.Contains(buf.String(), "Exception raised by process "+p.Desc()) {
		t.Errorf("failure not logged: %s", buf.String())
	}
}

func TestProcessStartFailure(t *testing.T) {
	p := NewProcess("missing", []string{"/nonexistent/binary"}, WithRegistry(NewRegistry()))
	if err := p.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if !p.HasRaisedException() {
		t.Error("start failure should be recorded")
	}
	if p.IsAlive() {
		t.Error("IsAlive() = true after start failure")
	}
	if Managed(p) {
		t.Error("process that never ran should not be managed")
	}
	if !p.Join(0) {
		t.Error("Join should succeed after start failure")
	}
}

func TestProcessTerminate(t *testing.T) {
	reg := NewRegistry()
	p := newShellProcess(t, "sleep 10", WithRegistry(reg))
	p.Start()
	if reg.Len() != 1 || !p.IsAlive() {
		t.Fatal("process should be live and registered")
	}

	p.Terminate()
	if !p.Join(2 * time.Second) {
		t.Fatal("process ignored Terminate")
	}
	if p.HasRaisedException() {
		t.Errorf("terminated process reported exception %q", p.ExceptionMsg())
	}
	if reg.Len() != 0 {
		t.Error("terminated process still registered")
	}
}

func TestProcessTerminateEscalatesToKill(t *testing.T) {
	p := newShellProcess(t, "trap '' TERM; sleep 10", WithGracePeriod(50*time.Millisecond))
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Terminate()
	if !p.Join(2 * time.Second) {
		t.Fatal("process survived SIGKILL escalation")
	}
	if p.ExitCode() != process.ExitCodeKilled {
		t.Errorf("exit code %d, want %d", p.ExitCode(), process.ExitCodeKilled)
	}
}

func TestProcessInterruptRecordsCause(t *testing.T) {
	cause := errors.New("operator abort")
	p := newShellProcess(t, "sleep 10")

	if _, err := p.Interrupt(cause); !errors.Is(err, ErrThreadNotStarted) {
		t.Errorf("Interrupt before Start = %v", err)
	}
	p.Start()
	if res, err := p.Interrupt(cause); err != nil || res != InterruptDelivered {
		t.Fatalf("Interrupt = %v, %v", res, err)
	}
	p.Join(2 * time.Second)
	if !errors.Is(p.Err(), cause) {
		t.Errorf("Err() = %v, want %v", p.Err(), cause)
	}
	if res, _ := p.Interrupt(cause); res != InterruptNoop {
		t.Errorf("Interrupt after exit = %v, want noop", res)
	}
}

func TestProcessStateChanges(t *testing.T) {
	var mu sync.Mutex
	var states []process.State
	p := newShellProcess(t, "exit 0", WithStateChange(func(_ string, _, newState process.State, _ error) {
		mu.Lock()
		states = append(states, newState)
		mu.Unlock()
	}))
	p.Start()
	p.Join(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []process.State{process.StateStarting, process.StateRunning, process.StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], want[i])
		}
	}
}

// stepClock advances by step on every Sleep while sleeping only briefly.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	c.mu.Lock()
	c.now = c.now.Add(c.step)
	c.mu.Unlock()
	return nil
}

func TestWaitForExitLogsMinutes(t *testing.T) {
	logger, buf := bufferLogger()
	clock := &stepClock{now: time.Unix(0, 0), step: 30 * time.Second}
	p := newShellProcess(t, "sleep 0.3", WithLogger(logger), WithClock(clock))
	p.Start()

	if err := p.WaitForExit(context.Background()); err != nil {
		t.Fatalf("WaitForExit: %v", err)
	}
	if p.IsAlive() {
		t.Error("process still alive after WaitForExit")
	}
	if !strings.Contains(buf.String(), "Waiting for process to exit") || !strings.Contains(buf.String(), "minutes=1") {
		t.Errorf("expected minute progress log, got: %s", buf.String())
	}
}

func TestWaitForExitContext(t *testing.T) {
	p := newShellProcess(t, "sleep 10", WithPollInterval(10*time.Millisecond))
	p.Start()
	defer p.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.WaitForExit(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForExit = %v, want deadline exceeded", err)
	}
}

func TestTaskProcess(t *testing.T) {
	p, err := NewTaskProcess("echo", []string{"hello"}, WithRegistry(NewRegistry()), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewTaskProcess: %v", err)
	}
	p.Start()
	if !p.Join(10 * time.Second) {
		t.Fatal("task process did not exit")
	}
	if p.HasRaisedException() {
		t.Errorf("echo task failed: %s", p.ExceptionMsg())
	}

	failing, err := NewTaskProcess("fail", []string{"bad"}, WithRegistry(NewRegistry()), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewTaskProcess: %v", err)
	}
	failing.Start()
	failing.Join(10 * time.Second)
	if !failing.HasRaisedException() || failing.ExitCode() != 1 {
		t.Errorf("fail task: raised=%v exit=%d", failing.HasRaisedException(), failing.ExitCode())
	}
}

func TestNewTaskProcessUnknownTask(t *testing.T) {
	if _, err := NewTaskProcess("definitely-not-registered", nil); !errors.Is(err, task.ErrUnknownTask) {
		t.Errorf("err = %v, want ErrUnknownTask", err)
	}
}

func TestRunInvocation(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := RunInvocation(context.Background(), task.Default, task.Invocation{Name: "echo", Args: []string{"x"}}, &stdout, &stderr)
	if code != 0 || strings.TrimSpace(stdout.String()) != `"x"` {
		t.Errorf("code %d stdout %q", code, stdout.String())
	}

	stdout.Reset()
	code = RunInvocation(context.Background(), task.Default, task.Invocation{Name: "nope"}, &stdout, &stderr)
	if code != 2 {
		t.Errorf("unknown task exit code %d, want 2", code)
	}
}
