// Package worker runs supervised work items in goroutines (Thread) and in
// child OS processes (Process), capturing completion and failure state.
//
// Workers are cancelled cooperatively: each one owns a context derived from
// the context passed with WithContext, and Terminate or Interrupt cancel it
// with a cause. A work item that ignores its context keeps running and is
// reported as unjoined by the coordinator.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/process"
)

var (
	// ErrInvalidCause is returned by Interrupt when the cause is nil.
	ErrInvalidCause = errors.New("only non-nil causes can be raised")
	// ErrThreadNotStarted is returned by Interrupt on a worker that was never started.
	ErrThreadNotStarted = errors.New("worker is not active")
	// ErrUnknownWorker is returned by InterruptByID for an id with no live worker.
	ErrUnknownWorker = errors.New("invalid worker id")
	// ErrAlreadyStarted is returned by Start on a worker that was started before.
	ErrAlreadyStarted = errors.New("worker already started")
	// ErrTerminated is the cancellation cause used by Terminate.
	ErrTerminated = errors.New("worker terminated")
)

// InterruptResult reports what Interrupt did.
type InterruptResult int

const (
	// InterruptNoop means the worker had already finished.
	InterruptNoop InterruptResult = iota
	// InterruptDelivered means the worker's context was cancelled with the cause.
	InterruptDelivered
)

func (r InterruptResult) String() string {
	if r == InterruptDelivered {
		return "delivered"
	}
	return "noop"
}

// Task is the view of a worker the coordinator needs. Callers may pass
// their own implementations; those are treated as unmanaged.
type Task interface {
	Name() string
	Desc() string
	IsAlive() bool
	HasRaisedException() bool
	ExceptionMsg() string
	Join(timeout time.Duration) bool
}

// Clock abstracts time for polling loops.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

type options struct {
	ctx      context.Context
	logger   logging.Logger
	registry *Registry
	bus      *events.Bus
	clock    Clock

	// Process only.
	executable    string
	processOpts   []process.Option
	onStateChange process.StateChangeFunc
	pollInterval  time.Duration
	gracePeriod   time.Duration
}

// Option configures a Thread or a Process.
type Option func(*options)

// WithContext sets the parent context. Cancelling it cancels the worker.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithLogger sets the logger; nil disables logging.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry records the worker in r instead of Default.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithEventBus publishes worker events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithClock replaces the wall clock used by WaitForExit.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithExecutable sets the binary re-invoked by NewTaskProcess.
func WithExecutable(path string) Option {
	return func(o *options) { o.executable = path }
}

// WithProcessOptions passes options through to the underlying child process.
func WithProcessOptions(opts ...process.Option) Option {
	return func(o *options) { o.processOpts = append(o.processOpts, opts...) }
}

// WithStateChange registers a callback for process state transitions.
func WithStateChange(fn process.StateChangeFunc) Option {
	return func(o *options) { o.onStateChange = fn }
}

// WithPollInterval sets how often WaitForExit checks liveness.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithGracePeriod sets how long Terminate waits before SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) { o.gracePeriod = d }
}

func buildOptions(opts []Option) options {
	o := options{
		ctx:          context.Background(),
		registry:     Default,
		clock:        RealClock,
		pollInterval: time.Second,
		gracePeriod:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrDiscard(o.logger)
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	if o.registry == nil {
		o.registry = Default
	}
	return o
}

// joinDone waits on done for timeout. A negative timeout waits indefinitely.
func joinDone(done <-chan struct{}, timeout time.Duration) bool {
	if timeout < 0 {
		<-done
		return true
	}
	if timeout == 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
