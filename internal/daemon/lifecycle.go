package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/metrics"
	"github.com/smazurov/procvisor/internal/process"
	"github.com/smazurov/procvisor/internal/worker"
)

const lockRetryDelay = 50 * time.Millisecond

// children tracks daemons spawned by this process so they are reaped.
// Daemons are not coordinator tasks and stay out of worker.Default.
var children = worker.NewRegistry()

// Start spawns the daemon and records its PID. It returns ErrAlreadyRunning
// when the PID file already names a live process.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.ensurePIDDir(); err != nil {
		return err
	}

	unlock, err := d.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if pid, ok := d.livePID(); ok {
		return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, d.id, pid)
	}

	argv, env, err := d.command()
	if err != nil {
		return err
	}

	stdio := process.StdioInherit
	if d.closeFDs {
		stdio = process.StdioNull
	}
	proc := worker.NewProcess(d.id, argv,
		worker.WithRegistry(children),
		worker.WithProcessOptions(process.WithStdio(stdio), process.WithEnv(env...)),
	)

	d.logger.Info("Starting daemon", "id", d.id, "desc", d.logDesc())
	if err := proc.Start(); err != nil {
		d.logger.Error("Failed to start daemon", "id", d.id, "desc", d.logDesc(), "error", err)
		return fmt.Errorf("start daemon %s: %w", d.id, err)
	}
	pid := proc.PID()

	if err := d.writePIDFile(pid); err != nil {
		proc.Terminate()
		return err
	}

	d.mu.Lock()
	d.pid = pid
	d.proc = proc
	d.mu.Unlock()

	metrics.SetDaemonUp(d.id, pid, true)
	d.bus.Publish(events.DaemonStartedEvent{
		DaemonID:  d.id,
		PID:       pid,
		Desc:      d.desc,
		Timestamp: events.Timestamp(time.Now()),
	})
	d.logger.Info("Daemon started", "id", d.id, "pid", pid, "pid_file", d.pidFile)
	return nil
}

// livePID returns a running pid from the PID file or the one this Daemon
// started. Another process may have rewritten the file since.
func (d *Daemon) livePID() (int, bool) {
	if pid, ok := d.readPIDFile(); ok && d.table.IsRunning(pid) {
		return pid, true
	}
	if pid, ok := d.PID(); ok && d.table.IsRunning(pid) {
		return pid, true
	}
	return 0, false
}

// lock takes the advisory lock beside the PID file, waiting until ctx is
// done. Start and Stop hold it so neither sees the other's half-written
// PID file.
func (d *Daemon) lock(ctx context.Context) (unlock func(), err error) {
	lk := flock.New(d.pidFile + ".lock")
	ok, err := lk.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock: %s", lk.Path())
	}
	return func() {
		if err := lk.Unlock(); err != nil {
			d.logger.Warn("Failed to release daemon lock", "path", lk.Path(), "error", err)
		}
	}, nil
}

// command returns the argv and extra environment for the daemon.
func (d *Daemon) command() ([]string, []string, error) {
	env := append([]string(nil), d.env...)
	if d.funcName == "" {
		return d.cmd, env, nil
	}
	link, err := d.executableLink()
	if err != nil {
		return nil, nil, err
	}
	invEnv, err := invocationEnv(d.funcName, d.args)
	if err != nil {
		return nil, nil, err
	}
	third := SchedulerArg
	if d.logID != "" {
		third = d.logID
	}
	return []string{link, d.id, third}, append(env, invEnv...), nil
}

// executableLink returns <daemons-dir>/<id>, a symlink to the executable,
// so the daemon shows up under its id in process listings.
func (d *Daemon) executableLink() (string, error) {
	exe := d.executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return "", fmt.Errorf("resolve executable: %w", err)
		}
	}
	if err := os.MkdirAll(d.daemonsDir, 0o755); err != nil {
		return "", fmt.Errorf("create daemons directory: %w", err)
	}
	link := filepath.Join(d.daemonsDir, d.id)
	if target, err := os.Readlink(link); err == nil && target == exe {
		return link, nil
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("replace executable link: %w", err)
	}
	if err := os.Symlink(exe, link); err != nil && !errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("create executable link: %w", err)
	}
	return link, nil
}

// Stop signals the daemon's process until it is gone, sending
// SIGTERM first and SIGKILL afterwards, for at most the stop policy's
// attempts. Kill failures go to the exception recorder. The PID file is
// removed once the process is gone.
func (d *Daemon) Stop(ctx context.Context) error {
	if err := d.ensurePIDDir(); err != nil {
		return err
	}
	unlock, err := d.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	pid, ok := d.PID()
	if !ok {
		d.logger.Info(fmt.Sprintf("PID file %s does not exist; the daemon is not running", d.pidFile))
		metrics.SetDaemonUp(d.id, 0, false)
		return nil
	}

	policy := d.stopPolicy
	stopped := false
	attempts := 0
	for i := 0; i < policy.Attempts; i++ {
		if !d.table.IsRunning(pid) {
			stopped = true
			break
		}
		sig := syscall.SIGKILL
		if i == 0 {
			sig = syscall.SIGTERM
		}
		attempts++
		metrics.DaemonKillAttempt(d.id)
		d.logger.Debug("Signalling daemon", "id", d.id, "pid", pid, "signal", sig.String(), "attempt", attempts)
		if err := d.table.Kill(pid, sig); err != nil {
			d.recordException(fmt.Sprintf("Failed to kill daemon %s (pid %d): %v", d.id, pid, err))
		}
		if err := d.clock.Sleep(ctx, policy.Interval); err != nil {
			return err
		}
	}
	if !stopped && !d.table.IsRunning(pid) {
		stopped = true
	}

	d.bus.Publish(events.DaemonStoppedEvent{
		DaemonID:  d.id,
		PID:       pid,
		Attempts:  attempts,
		Stopped:   stopped,
		Timestamp: events.Timestamp(time.Now()),
	})
	if !stopped {
		d.logger.Error("Daemon survived every kill attempt", "id", d.id, "pid", pid, "attempts", attempts)
		return nil
	}

	d.DeletePIDFile()
	metrics.SetDaemonUp(d.id, 0, false)
	d.mu.Lock()
	d.pid = 0
	d.proc = nil
	d.mu.Unlock()
	d.logger.Info("Daemon stopped", "id", d.id, "pid", pid, "attempts", attempts)
	return nil
}

// Restart stops the daemon and starts it again.
func (d *Daemon) Restart(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	return d.Start(ctx)
}

// Status is a snapshot of a daemon for display.
type Status struct {
	ID      string
	Desc    string
	PIDFile string
	PID     int
	Running bool
}

// Status reads the PID file and probes the process.
func (d *Daemon) Status() Status {
	s := Status{ID: d.id, Desc: d.desc, PIDFile: d.pidFile}
	if pid, ok := d.PID(); ok {
		s.PID = pid
		s.Running = d.table.IsRunning(pid)
	}
	return s
}
