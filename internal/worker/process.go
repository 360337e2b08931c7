package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/metrics"
	"github.com/smazurov/procvisor/internal/process"
	"github.com/smazurov/procvisor/internal/task"
)

// EnvPrefix prefixes the environment variables that carry a task into a
// re-invoked worker process.
const EnvPrefix = "PROCVISOR_WORKER"

// ChildArg is the argv marker passed to re-invoked worker processes.
const ChildArg = "__worker"

var processCounter atomic.Int64

// Process runs a command or a re-invoked task in a child OS process. Start
// failures, non-zero exits and signals are logged as
// "Exception raised by process <desc>" and captured, never propagated.
type Process struct {
	id   string
	name string
	argv []string
	env  []string
	opts options

	mu          sync.Mutex
	desc        string
	order       uint64
	proc        *process.Process
	state       process.State
	startedAt   time.Time
	exitCode    int
	err         error
	interrupted error
	done        chan struct{}
}

// NewProcess creates a worker process running argv.
func NewProcess(name string, argv []string, opts ...Option) *Process {
	return &Process{
		id:    uuid.NewString(),
		name:  name,
		argv:  append([]string(nil), argv...),
		opts:  buildOptions(opts),
		state: process.StateIdle,
		done:  make(chan struct{}),
	}
}

// NewTaskProcess creates a worker process that re-invokes the executable to
// run the registered task name. The child must call ChildMain.
func NewTaskProcess(name string, args []string, opts ...Option) (*Process, error) {
	if _, err := task.Lookup(name); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	exe := o.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	env, err := task.Invocation{Name: name, Args: args}.Env(EnvPrefix)
	if err != nil {
		return nil, err
	}
	p := NewProcess(name, []string{exe, ChildArg, name}, opts...)
	p.env = env
	return p, nil
}

// ID returns the unique worker id.
func (p *Process) ID() string { return p.id }

// Name returns the task or command name.
func (p *Process) Name() string { return p.name }

// Desc returns the description assigned at Start, such as "sleep-process-2".
func (p *Process) Desc() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc
}

// Start spawns the child. A start failure is recorded and logged as well as
// returned.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.proc != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.desc = fmt.Sprintf("%s-process-%d", p.name, processCounter.Add(1))
	p.order = startSeq.Add(1)
	popts := append([]process.Option{process.WithEnv(p.env...)}, p.opts.processOpts...)
	p.proc = process.NewProcess(p.desc, p.argv, p.opts.logger, popts...)
	desc := p.desc
	p.mu.Unlock()

	p.setState(process.StateStarting, nil)

	if err := p.proc.Start(); err != nil {
		p.mu.Lock()
		p.err = err
		p.exitCode = 1
		p.mu.Unlock()
		p.opts.logger.Error(fmt.Sprintf("Exception raised by process %s", desc), "error", err)
		p.publishFailure(err)
		p.setState(process.StateError, err)
		close(p.done)
		return err
	}

	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.opts.registry.add(p)
	metrics.WorkerStarted(metrics.KindProcess)
	p.setState(process.StateRunning, nil)

	go p.watch()
	return nil
}

func (p *Process) watch() {
	<-p.proc.Done()
	code := p.proc.ExitCode()

	p.mu.Lock()
	p.exitCode = code
	switch {
	case p.interrupted != nil && !errors.Is(p.interrupted, ErrTerminated):
		p.err = p.interrupted
	case p.interrupted != nil:
		// Terminated on request.
	case code != 0:
		p.err = exitError(code)
	}
	err, desc := p.err, p.desc
	p.mu.Unlock()

	p.opts.registry.remove(p.id)
	metrics.WorkerFinished(metrics.KindProcess, err != nil)

	if err != nil {
		p.opts.logger.Error(fmt.Sprintf("Exception raised by process %s", desc), "error", err, "exit_code", code)
		p.publishFailure(err)
		p.setState(process.StateError, err)
	} else {
		p.setState(process.StateIdle, nil)
	}
	close(p.done)
}

func exitError(code int) error {
	if code > 128 {
		return fmt.Errorf("terminated by signal %s", syscall.Signal(code-128))
	}
	return fmt.Errorf("exit status %d", code)
}

func (p *Process) publishFailure(err error) {
	p.opts.bus.Publish(events.WorkerFailedEvent{
		WorkerID:  p.id,
		Desc:      p.Desc(),
		Kind:      metrics.KindProcess,
		Error:     err.Error(),
		Timestamp: events.Timestamp(time.Now()),
	})
}

func (p *Process) setState(state process.State, err error) {
	p.mu.Lock()
	old := p.state
	p.state = state
	desc := p.desc
	p.mu.Unlock()

	if old == state {
		return
	}
	if p.opts.onStateChange != nil {
		p.opts.onStateChange(p.id, old, state, err)
	}
	ev := events.WorkerStateChangedEvent{
		WorkerID:  p.id,
		Desc:      desc,
		OldState:  string(old),
		NewState:  string(state),
		Timestamp: events.Timestamp(time.Now()),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.opts.bus.Publish(ev)
}

// PID returns the child's process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return 0
	}
	return proc.PID()
}

// Pipes returns the child's stdin and stdout when it was started with
// process.StdioPipe.
func (p *Process) Pipes() (io.WriteCloser, io.ReadCloser) {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil, nil
	}
	return proc.Pipes()
}

// IsAlive reports whether the child is running.
func (p *Process) IsAlive() bool {
	if !p.started() {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// HasRaisedException reports whether the run failed.
func (p *Process) HasRaisedException() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err != nil
}

// ExceptionMsg returns the captured failure, or "".
func (p *Process) ExceptionMsg() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return ""
	}
	return p.err.Error()
}

// Err returns the captured failure.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// ExitCode returns the child's exit code once it has finished.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Info returns a snapshot of the worker's state.
func (p *Process) Info() process.Info {
	pid := p.PID()
	p.mu.Lock()
	defer p.mu.Unlock()
	return process.Info{
		ID:        p.id,
		Desc:      p.desc,
		State:     p.state,
		PID:       pid,
		StartedAt: p.startedAt,
		ExitCode:  p.exitCode,
		LastError: p.err,
	}
}

// Done is closed when the child has exited or failed to start.
func (p *Process) Done() <-chan struct{} { return p.done }

// Join waits up to timeout for the child to exit.
func (p *Process) Join(timeout time.Duration) bool {
	if !p.started() {
		return true
	}
	return joinDone(p.done, timeout)
}

// Terminate sends SIGTERM to the child's process group and SIGKILL if it is
// still alive after the grace period.
func (p *Process) Terminate() {
	if _, err := p.Interrupt(ErrTerminated); err != nil {
		p.opts.logger.Debug("Terminate ignored", "name", p.name, "error", err)
	}
}

// Interrupt stops the child and records cause as its failure, unless the
// cause is ErrTerminated.
func (p *Process) Interrupt(cause error) (InterruptResult, error) {
	if cause == nil {
		return InterruptNoop, ErrInvalidCause
	}
	if !p.started() {
		return InterruptNoop, fmt.Errorf("%w: %s", ErrThreadNotStarted, p.name)
	}
	if !p.IsAlive() {
		p.opts.logger.Info("Process already finished; interrupt ignored", "desc", p.Desc())
		return InterruptNoop, nil
	}

	p.mu.Lock()
	if p.interrupted == nil {
		p.interrupted = cause
	}
	proc := p.proc
	p.mu.Unlock()

	p.setState(process.StateStopping, nil)
	go proc.Stop(p.opts.gracePeriod)
	return InterruptDelivered, nil
}

// WaitForExit polls IsAlive once per poll interval until the child exits or
// ctx is done, logging progress at each minute boundary.
func (p *Process) WaitForExit(ctx context.Context) error {
	clock := p.opts.clock
	start := clock.Now()
	minutes := 0
	for p.IsAlive() {
		if err := clock.Sleep(ctx, p.opts.pollInterval); err != nil {
			return err
		}
		if m := int(clock.Now().Sub(start) / time.Minute); m > minutes {
			minutes = m
			p.opts.logger.Info("Waiting for process to exit", "desc", p.Desc(), "minutes", m)
		}
	}
	return nil
}

func (p *Process) started() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc != nil && p.proc.Started()
}

func (p *Process) seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order
}
