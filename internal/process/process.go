package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/procvisor/internal/logging"
)

// StdioMode selects how the subprocess standard streams are wired.
type StdioMode int

const (
	// StdioStream pipes stdout and stderr line by line into the logger.
	StdioStream StdioMode = iota
	// StdioInherit shares the parent's standard streams.
	StdioInherit
	// StdioNull connects all standard streams to /dev/null.
	StdioNull
	// StdioPipe exposes stdin and stdout to the caller; stderr is streamed.
	StdioPipe
)

// ExitCodeKilled is reported for a process ended by SIGKILL.
const ExitCodeKilled = 128 + int(syscall.SIGKILL)

var (
	// ErrAlreadyStarted is returned by Start on a process that was started before.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrEmptyCommand is returned by Start when there is no argv.
	ErrEmptyCommand = errors.New("empty command")
)

// Process is one child process. The child leads its own process group so
// signals reach its descendants too.
type Process struct {
	id          string
	args        []string
	env         []string
	dir         string
	stdio       StdioMode
	logger      logging.Logger
	killTimeout time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	started  bool
	exitCode int
	waitErr  error
	done     chan struct{}
}

// Option configures a Process.
type Option func(*Process)

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(p *Process) { p.env = append(p.env, env...) }
}

// WithDir sets the working directory.
func WithDir(dir string) Option {
	return func(p *Process) { p.dir = dir }
}

// WithStdio selects how standard streams are wired.
func WithStdio(mode StdioMode) Option {
	return func(p *Process) { p.stdio = mode }
}

// WithKillTimeout sets how long Stop waits for the child to be reaped after
// SIGKILL. Default is 5s.
func WithKillTimeout(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.killTimeout = d
		}
	}
}

// NewProcess creates a process for the argument vector args.
func NewProcess(id string, args []string, logger logging.Logger, opts ...Option) *Process {
	p := &Process{
		id:          id,
		args:        append([]string(nil), args...),
		logger:      logging.OrDiscard(logger),
		killTimeout: 5 * time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the identifier given at construction.
func (p *Process) ID() string {
	return p.id
}

// Args returns a copy of the argument vector.
func (p *Process) Args() []string {
	return append([]string(nil), p.args...)
}

type stream struct {
	r      io.Reader
	source string
}

// Start launches the child without waiting for it.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if len(p.args) == 0 {
		return ErrEmptyCommand
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = p.dir
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	var streams []stream
	var childEnd *os.File
	switch p.stdio {
	case StdioInherit:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	case StdioNull:
		// exec connects nil streams to the null device.
	case StdioPipe:
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("create stdin pipe: %w", err)
		}
		// An os.Pipe keeps the read end open after Wait, so callers may
		// drain stdout at their own pace.
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		cmd.Stdout, childEnd = w, w
		stderr, err := cmd.StderrPipe()
		if err != nil {
			r.Close()
			w.Close()
			return fmt.Errorf("create stderr pipe: %w", err)
		}
		p.stdin, p.stdout = stdin, r
		streams = append(streams, stream{stderr, "stderr"})
	default:
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("create stderr pipe: %w", err)
		}
		streams = append(streams, stream{stdout, "stdout"}, stream{stderr, "stderr"})
	}

	err := cmd.Start()
	if childEnd != nil {
		childEnd.Close()
	}
	if err != nil {
		if p.stdout != nil {
			p.stdout.Close()
		}
		p.logger.Error("Failed to start process", "id", p.id, "args", p.args, "error", err)
		return err
	}
	p.cmd = cmd
	p.started = true
	p.logger.Debug("Process started", "id", p.id, "pid", cmd.Process.Pid)

	var drained sync.WaitGroup
	for _, s := range streams {
		drained.Add(1)
		go func() {
			defer drained.Done()
			p.forward(s)
		}()
	}

	go func() {
		// Readers must drain before Wait closes the pipes.
		drained.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.exitCode = exitCode(err)
		p.mu.Unlock()
		close(p.done)
	}()

	return nil
}

// Pipes returns the stdin writer and stdout reader of a StdioPipe process.
func (p *Process) Pipes() (io.WriteCloser, io.ReadCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin, p.stdout
}

// PID returns the OS process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Started reports whether Start succeeded.
func (p *Process) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsAlive reports whether the child was started and has not exited.
func (p *Process) IsAlive() bool {
	if !p.Started() {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code once Done is closed. A child ended by a
// signal reports 128 plus the signal number.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the error reported by Wait once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop sends SIGTERM to the process group and SIGKILL if it has not exited
// within grace, then returns the exit code. Stop on a process that never
// started returns 0.
func (p *Process) Stop(grace time.Duration) int {
	if !p.Started() {
		return 0
	}
	if !p.IsAlive() {
		return p.ExitCode()
	}

	p.Signal(syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.ExitCode()
	case <-timer.C:
	}

	p.logger.Warn("Grace period elapsed, killing process", "id", p.id, "grace", grace)
	p.Signal(syscall.SIGKILL)
	timer.Reset(p.killTimeout)
	select {
	case <-p.done:
		return p.ExitCode()
	case <-timer.C:
		p.logger.Error("Process did not exit after SIGKILL", "id", p.id, "pid", p.PID())
		return ExitCodeKilled
	}
}

// Signal delivers sig to the child's process group. A group that is
// already gone is not an error.
func (p *Process) Signal(sig syscall.Signal) {
	pid := p.PID()
	if pid == 0 {
		return
	}
	p.logger.Debug("Signalling process group", "pid", pid, "signal", sig.String())
	if err := SignalGroup(pid, sig); err != nil {
		p.logger.Warn("Failed to signal process", "pid", pid, "signal", sig.String(), "error", err)
	}
}

// exitCode maps a Wait error to a shell-style exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// forward logs each line the child writes on s.
func (p *Process) forward(s stream) {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info(scanner.Text(), "id", p.id, "source", s.source)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("Error reading output", "id", p.id, "source", s.source, "error", err)
	}
}

// ParseCommand splits a command line into arguments. Single and double
// quotes group words and a backslash escapes the next character.
func ParseCommand(command string) ([]string, error) {
	var (
		args  []string
		word  strings.Builder
		inArg bool
		quote rune
	)
	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '"' || r == '\''):
			quote, inArg = r, true
		case r == '\\' && quote != '\'' && i+1 < len(runes):
			i++
			word.WriteRune(runes[i])
			inArg = true
		case quote == 0 && (r == ' ' || r == '\t' || r == '\n'):
			if inArg {
				args = append(args, word.String())
				word.Reset()
				inArg = false
			}
		default:
			word.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unclosed %c quote in command %q", quote, command)
	}
	if inArg {
		args = append(args, word.String())
	}
	return args, nil
}
