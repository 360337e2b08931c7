// Package coordinator supervises cohorts of workers: joining them with
// bounded waits, counting the healthy ones, and raising or clearing the
// shared should-workers-exit flag.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/procvisor/internal/cache"
	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/worker"
)

// WorkersExitKey is the cache key of the shared exit flag.
const WorkersExitKey = "should-workers-exit"

const (
	defaultJoinTimeout  = 100 * time.Millisecond
	defaultWaitTimeout  = time.Minute
	defaultPollInterval = time.Second
)

// ErrWorkersExit is the cancellation cause of Token once the exit flag is raised.
var ErrWorkersExit = errors.New("workers asked to exit")

// Profile collects errors raised by dispatched work.
type Profile interface {
	AddError(err error)
}

// AddProfileException appends err to profile. A nil profile or error is ignored.
func AddProfileException(err error, profile Profile) {
	if err == nil || profile == nil {
		return
	}
	profile.AddError(err)
}

// Coordinator joins and cancels workers.
type Coordinator struct {
	store        cache.Store
	registry     *worker.Registry
	logger       logging.Logger
	bus          *events.Bus
	clock        worker.Clock
	joinTimeout  time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration

	mu          sync.Mutex
	token       context.Context
	cancelToken context.CancelCauseFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegistry sets the registry of managed workers. Defaults to worker.Default.
func WithRegistry(r *worker.Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithLogger sets the logger; nil disables logging.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEventBus publishes flag changes on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithClock replaces the wall clock used for deadlines.
func WithClock(clock worker.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithJoinTimeout sets the per-task join timeout.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.joinTimeout = d }
}

// WithWaitTimeout sets how long TerminateThreads waits for tasks to finish.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.waitTimeout = d }
}

// WithPollInterval sets the pause between join rounds while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// New creates a coordinator storing the exit flag in store.
func New(store cache.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		registry:     worker.Default,
		clock:        worker.RealClock,
		joinTimeout:  defaultJoinTimeout,
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	c.token, c.cancelToken = context.WithCancelCause(context.Background())
	return c
}

// ShouldWorkersExit reads the shared exit flag. An unset flag reads false.
func (c *Coordinator) ShouldWorkersExit(ctx context.Context) (bool, error) {
	v, err := cache.GetBool(ctx, c.store, WorkersExitKey)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", WorkersExitKey, err)
	}
	return v, nil
}

// SetWorkersExit writes the shared exit flag. Raising it also cancels Token;
// clearing it arms a fresh token.
func (c *Coordinator) SetWorkersExit(ctx context.Context, value bool) error {
	if err := cache.SetBool(ctx, c.store, WorkersExitKey, value); err != nil {
		return fmt.Errorf("write %s: %w", WorkersExitKey, err)
	}

	c.mu.Lock()
	if value {
		c.cancelToken(ErrWorkersExit)
	} else if c.token.Err() != nil {
		c.token, c.cancelToken = context.WithCancelCause(context.Background())
	}
	c.mu.Unlock()

	c.logger.Debug("Workers exit flag set", "value", value)
	c.bus.Publish(events.WorkersExitFlagEvent{Value: value, Timestamp: events.Timestamp(time.Now())})
	return nil
}

// Token returns a context that is cancelled with ErrWorkersExit when the
// exit flag is raised through this coordinator. Pass it to workers with
// worker.WithContext.
func (c *Coordinator) Token() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// TerminateThreads clears the exit flag, optionally waits for the live
// managed workers to finish, then joins each of them with a short timeout.
// It returns the number of workers still running.
func (c *Coordinator) TerminateThreads(ctx context.Context, waitForFinish bool) int {
	if err := c.SetWorkersExit(ctx, false); err != nil {
		c.logger.Warn("Unable to reset workers exit flag", "error", err)
	}

	if waitForFinish {
		c.WaitForTasksToFinish(ctx, c.registry.Live(), c.waitTimeout)
	}

	live := c.registry.Live()
	remaining := 0
	for _, t := range live {
		if !t.Join(c.joinTimeout) {
			remaining++
		}
	}

	if remaining == 0 {
		c.logger.Info("All threads joined successfully on first attempt", "joined", len(live))
	} else {
		c.logger.Warn(fmt.Sprintf("Unable to join %d threads...", remaining), "total", len(live))
	}
	return remaining
}

// JoinTasks records the exception state of every task, joins the managed
// ones with a short timeout and returns those that did not finish. Tasks
// not started by the worker package are returned unaltered and never joined.
func (c *Coordinator) JoinTasks(tasks []worker.Task) []worker.Task {
	unresolved := []worker.Task{}
	for _, t := range tasks {
		t.HasRaisedException()
		if !worker.Managed(t) {
			unresolved = append(unresolved, t)
			continue
		}
		if !t.Join(c.joinTimeout) {
			unresolved = append(unresolved, t)
		}
	}
	return unresolved
}

// WaitForTasksToFinish calls JoinTasks until every task has finished, the
// timeout passes or ctx is done. It returns the tasks still unresolved.
func (c *Coordinator) WaitForTasksToFinish(ctx context.Context, tasks []worker.Task, timeout time.Duration) []worker.Task {
	if len(tasks) == 0 {
		return nil
	}
	deadline := c.clock.Now().Add(timeout)
	remaining := tasks
	for {
		remaining = c.JoinTasks(remaining)
		if len(remaining) == 0 {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return remaining
		}
		for _, t := range remaining {
			c.logger.Info(fmt.Sprintf("could not join task %s [%s] - actions/commands are still running within thread",
				t.Name(), t.Desc()))
		}
		if err := c.clock.Sleep(ctx, c.pollInterval); err != nil {
			return remaining
		}
	}
}

// NumTasksRunning counts tasks that are alive and have not raised.
func NumTasksRunning(tasks []worker.Task) int {
	n := 0
	for _, t := range tasks {
		if t.IsAlive() && !t.HasRaisedException() {
			n++
		}
	}
	return n
}

