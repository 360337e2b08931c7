// Package daemon supervises detached OS processes identified by PID files.
//
// A daemon either runs an external command or re-invokes the current
// executable to run a registered task (see NewFunc and ChildMain). Start is
// serialised across processes by an advisory lock next to the PID file, so
// the liveness check, spawn and PID file write happen as one step.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/process"
	"github.com/smazurov/procvisor/internal/task"
	"github.com/smazurov/procvisor/internal/worker"
)

var (
	// ErrEmptyCommand is returned by New for an empty command.
	ErrEmptyCommand = errors.New("daemon command must not be empty")
	// ErrNoCallable is returned by NewFunc without a usable task.
	ErrNoCallable = errors.New("daemon requires a callable task")
	// ErrAlreadyRunning is returned by Start when a live process owns the id.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrInvalidID is returned for ids that cannot name a file.
	ErrInvalidID = errors.New("invalid daemon id")
)

const (
	// EnvPrefix prefixes the variables carrying the task into a re-invoked daemon.
	EnvPrefix = "PROCVISOR_DAEMON"
	// SchedulerArg is the third argv element when no log identifier is set.
	SchedulerArg = "--scheduler"

	maxLogDescLen = 60
)

// StopPolicy bounds the kill loop of Stop. The first attempt sends SIGTERM,
// later attempts SIGKILL.
type StopPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultStopPolicy returns 16 attempts one second apart.
func DefaultStopPolicy() StopPolicy {
	return StopPolicy{Attempts: 16, Interval: time.Second}
}

// ChangeOwner sets the group owner of path.
type ChangeOwner func(path, group string) error

// ExceptionRecorder records a non-fatal failure without raising it.
type ExceptionRecorder func(msg string)

// Daemon is a supervised detached process.
type Daemon struct {
	id       string
	pidFile  string
	cmd      []string
	funcName string
	args     []string
	desc     string
	closeFDs bool
	logID    string
	env      []string

	daemonsDir string
	pidGroup   string
	executable string

	table           process.Table
	chown           ChangeOwner
	recordException ExceptionRecorder
	logger          logging.Logger
	clock           worker.Clock
	stopPolicy      StopPolicy
	bus             *events.Bus

	mu   sync.Mutex
	pid  int
	proc *worker.Process
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithPIDDir places the PID file at <dir>/<id>.pid.
func WithPIDDir(dir string) Option {
	return func(d *Daemon) { d.pidFile = filepath.Join(dir, d.id+".pid") }
}

// WithPIDFile sets the PID file path.
func WithPIDFile(path string) Option {
	return func(d *Daemon) { d.pidFile = path }
}

// WithPIDGroup sets the group owner given to a newly created PID directory.
func WithPIDGroup(group string) Option {
	return func(d *Daemon) { d.pidGroup = group }
}

// WithDesc sets the human-readable description.
func WithDesc(desc string) Option {
	return func(d *Daemon) { d.desc = desc }
}

// WithCloseFDs connects the daemon's standard streams to /dev/null instead
// of inheriting them.
func WithCloseFDs(closeFDs bool) Option {
	return func(d *Daemon) { d.closeFDs = closeFDs }
}

// WithLogIdentifier replaces SchedulerArg in a function-backed daemon's argv.
func WithLogIdentifier(logID string) Option {
	return func(d *Daemon) { d.logID = logID }
}

// WithEnv adds KEY=VALUE pairs to the daemon's environment.
func WithEnv(env ...string) Option {
	return func(d *Daemon) { d.env = append(d.env, env...) }
}

// WithDaemonsDir sets where function-backed daemons' executable links live.
func WithDaemonsDir(dir string) Option {
	return func(d *Daemon) { d.daemonsDir = dir }
}

// WithExecutable sets the binary function-backed daemons re-invoke.
func WithExecutable(path string) Option {
	return func(d *Daemon) { d.executable = path }
}

// WithProcessTable replaces the OS process table.
func WithProcessTable(t process.Table) Option {
	return func(d *Daemon) { d.table = t }
}

// WithChangeOwner replaces the group-owner setter.
func WithChangeOwner(fn ChangeOwner) Option {
	return func(d *Daemon) { d.chown = fn }
}

// WithExceptionRecorder receives kill failures from Stop.
func WithExceptionRecorder(fn ExceptionRecorder) Option {
	return func(d *Daemon) { d.recordException = fn }
}

// WithLogger sets the logger; nil disables logging.
func WithLogger(l logging.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithClock replaces the clock used between kill attempts.
func WithClock(c worker.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithStopPolicy replaces DefaultStopPolicy.
func WithStopPolicy(p StopPolicy) Option {
	return func(d *Daemon) { d.stopPolicy = p }
}

// WithEventBus publishes start and stop events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Daemon) { d.bus = bus }
}

// DefaultPIDDir is used when no PID location is configured.
func DefaultPIDDir() string {
	return filepath.Join(os.TempDir(), "procvisor", "pids")
}

// DefaultDaemonsDir is used when no daemons directory is configured.
func DefaultDaemonsDir() string {
	return filepath.Join(os.TempDir(), "procvisor", "daemons")
}

// New creates a daemon running the external command cmd.
func New(id string, cmd []string, opts ...Option) (*Daemon, error) {
	if len(cmd) == 0 || cmd[0] == "" {
		return nil, fmt.Errorf("%w: daemon %q", ErrEmptyCommand, id)
	}
	d, err := newDaemon(id, opts)
	if err != nil {
		return nil, err
	}
	d.cmd = append([]string(nil), cmd...)
	if d.desc == "" {
		d.desc = strings.Join(cmd, " ")
	}
	return d, nil
}

// NewFunc creates a daemon that re-invokes the executable to run the task
// registered as funcName with args.
func NewFunc(id, funcName string, args []string, opts ...Option) (*Daemon, error) {
	if funcName == "" {
		return nil, fmt.Errorf("%w: daemon %q", ErrNoCallable, id)
	}
	if _, err := task.Lookup(funcName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCallable, err)
	}
	d, err := newDaemon(id, opts)
	if err != nil {
		return nil, err
	}
	d.funcName = funcName
	d.args = append([]string(nil), args...)
	if d.desc == "" {
		d.desc = funcName
	}
	return d, nil
}

func newDaemon(id string, opts []Option) (*Daemon, error) {
	if id == "" || strings.ContainsRune(id, filepath.Separator) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	d := &Daemon{
		id:         id,
		daemonsDir: DefaultDaemonsDir(),
		table:      process.OSTable{},
		chown:      chownGroup,
		clock:      worker.RealClock,
		stopPolicy: DefaultStopPolicy(),
	}
	d.pidFile = filepath.Join(DefaultPIDDir(), id+".pid")
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDiscard(d.logger)
	if d.recordException == nil {
		d.recordException = func(msg string) { d.logger.Warn(msg) }
	}
	if d.stopPolicy.Attempts <= 0 {
		d.stopPolicy.Attempts = DefaultStopPolicy().Attempts
	}
	return d, nil
}

// ID returns the daemon id.
func (d *Daemon) ID() string { return d.id }

// PIDFile returns the PID file path.
func (d *Daemon) PIDFile() string { return d.pidFile }

// Desc returns the description.
func (d *Daemon) Desc() string { return d.desc }

// logDesc shortens long descriptions to their first word.
func (d *Daemon) logDesc() string {
	if len(d.desc) <= maxLogDescLen {
		return d.desc
	}
	if first, _, ok := strings.Cut(d.desc, " "); ok {
		return first
	}
	return d.desc
}

func chownGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	return os.Chown(path, -1, gid)
}
