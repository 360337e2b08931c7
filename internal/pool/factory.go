package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"

	"github.com/smazurov/procvisor/internal/coordinator"
	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/metrics"
	"github.com/smazurov/procvisor/internal/process"
	"github.com/smazurov/procvisor/internal/worker"
)

const (
	defaultAttempts     = 3
	defaultInitialRetry = time.Second
	defaultMaxRetry     = 10 * time.Second
	defaultReadyTimeout = 10 * time.Second
	// teardownTimeout bounds how long a finished single-task pool may take
	// to exit before its workers are signalled.
	teardownTimeout = 10 * time.Second

	// DefaultExecTimeout bounds ExecuteSingle when ExecOptions.Timeout is zero.
	DefaultExecTimeout = 30 * time.Minute
)

// ErrEnvironment means pool creation kept failing on transient resource
// errors until the retry budget ran out.
var ErrEnvironment = errors.New("unable to create process pool: environment exhausted")

// RetryPolicy bounds pool creation retries. Zero values use the defaults.
type RetryPolicy struct {
	// Attempts is the maximum number of tries.
	Attempts int
	// Initial is the first backoff duration.
	Initial time.Duration
	// Max is the cap for backoff duration.
	Max time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: defaultAttempts,
		Initial:  defaultInitialRetry,
		Max:      defaultMaxRetry,
	}
}

func (rp RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if rp.Attempts <= 0 {
		rp.Attempts = def.Attempts
	}
	if rp.Initial <= 0 {
		rp.Initial = def.Initial
	}
	if rp.Max <= 0 {
		rp.Max = def.Max
	}
	return rp
}

// SpawnFunc creates a pool of size workers in a single attempt.
type SpawnFunc func(ctx context.Context, size int) (*Pool, error)

// ProcessBuilder creates the bare worker process used by ExecuteSingle when
// no result is fetched.
type ProcessBuilder func(name string, args []string) (*worker.Process, error)

// Factory creates worker-process pools.
type Factory struct {
	executable   string
	retry        RetryPolicy
	readyTimeout time.Duration
	logger       logging.Logger
	bus          *events.Bus
	registry     *worker.Registry
	spawn        SpawnFunc
	build        ProcessBuilder
	sleep        func(ctx context.Context, d time.Duration) error
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithExecutable sets the binary re-invoked for workers. Defaults to os.Executable.
func WithExecutable(path string) FactoryOption {
	return func(f *Factory) { f.executable = path }
}

// WithRetryPolicy sets the pool creation retry policy.
func WithRetryPolicy(rp RetryPolicy) FactoryOption {
	return func(f *Factory) { f.retry = rp }
}

// WithReadyTimeout bounds how long a new worker may take to send its handshake.
func WithReadyTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		if d > 0 {
			f.readyTimeout = d
		}
	}
}

// WithLogger sets the logger; nil disables logging.
func WithLogger(l logging.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithEventBus publishes pool events on bus.
func WithEventBus(bus *events.Bus) FactoryOption {
	return func(f *Factory) { f.bus = bus }
}

// WithWorkerRegistry records pool and single-task processes in r.
func WithWorkerRegistry(r *worker.Registry) FactoryOption {
	return func(f *Factory) { f.registry = r }
}

// WithSpawner replaces the single-attempt pool constructor.
func WithSpawner(fn SpawnFunc) FactoryOption {
	return func(f *Factory) { f.spawn = fn }
}

// WithProcessBuilder replaces the constructor of bare task processes.
func WithProcessBuilder(fn ProcessBuilder) FactoryOption {
	return func(f *Factory) { f.build = fn }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) FactoryOption {
	return func(f *Factory) { f.sleep = fn }
}

// NewFactory creates a pool factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		retry:        DefaultRetryPolicy(),
		readyTimeout: defaultReadyTimeout,
		registry:     worker.Default,
		sleep:        worker.RealClock.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.OrDiscard(f.logger)
	f.retry = f.retry.withDefaults()
	if f.spawn == nil {
		f.spawn = f.spawnPool
	}
	if f.build == nil {
		f.build = f.buildTaskProcess
	}
	return f
}

// CreatePool spawns size worker processes, retrying transient OS errors with
// backoff. A size of zero or less means one worker per CPU. Exhausting the
// retry budget returns an error wrapping ErrEnvironment; non-transient
// errors are returned at once.
func (f *Factory) CreatePool(ctx context.Context, size int) (*Pool, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	bo := boff.New(f.retry.Initial, f.retry.Max, time.Now().UnixNano())

	for attempt := 1; ; attempt++ {
		p, err := f.spawn(ctx, size)
		if err == nil {
			f.logger.Info("Process pool created", "size", size, "attempt", attempt)
			f.bus.Publish(events.PoolCreatedEvent{
				Size:      size,
				Attempts:  attempt,
				Timestamp: events.Timestamp(time.Now()),
			})
			return p, nil
		}
		if !IsTransient(err) {
			f.logger.Error("Process pool creation failed", "attempt", attempt, "error", err)
			return nil, err
		}
		if attempt >= f.retry.Attempts {
			f.logger.Error("Process pool creation exhausted retries", "attempts", attempt, "error", err)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrEnvironment, attempt, err)
		}

		delay := bo.Next()
		f.logger.Warn("pool creation failed; backing off",
			"attempt", attempt,
			"sleep", delay.String(),
			"error", err,
		)
		metrics.PoolCreateRetried()
		f.bus.Publish(events.PoolRetryEvent{
			Attempt:   attempt,
			Error:     err.Error(),
			Delay:     delay.String(),
			Timestamp: events.Timestamp(time.Now()),
		})
		if err := f.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("pool creation cancelled: %w", err)
		}
	}
}

func (f *Factory) resolveExecutable() (string, error) {
	if f.executable != "" {
		return f.executable, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func (f *Factory) spawnPool(ctx context.Context, size int) (*Pool, error) {
	exe, err := f.resolveExecutable()
	if err != nil {
		return nil, err
	}

	workers := make([]*poolWorker, 0, size)
	fail := func(err error) (*Pool, error) {
		for _, w := range workers {
			w.stdin.Close()
			w.proc.Terminate()
		}
		return nil, err
	}

	for i := 0; i < size; i++ {
		w, err := f.spawnWorker(ctx, exe)
		if err != nil {
			return fail(fmt.Errorf("spawn pool worker %d: %w", i, err))
		}
		workers = append(workers, w)
	}
	respawn := func(ctx context.Context) (*poolWorker, error) {
		return f.spawnWorker(ctx, exe)
	}
	return newPool(workers, f.logger, respawn), nil
}

func (f *Factory) spawnWorker(ctx context.Context, exe string) (*poolWorker, error) {
	proc := worker.NewProcess("pool-worker", []string{exe, ChildArg},
		worker.WithLogger(f.logger),
		worker.WithRegistry(f.registry),
		worker.WithEventBus(f.bus),
		worker.WithProcessOptions(
			process.WithStdio(process.StdioPipe),
			process.WithEnv(EnvWorker+"=1"),
		),
	)
	if err := proc.Start(); err != nil {
		return nil, err
	}

	stdin, stdout := proc.Pipes()
	w := &poolWorker{proc: proc, stdin: stdin, dec: json.NewDecoder(stdout)}

	ready := make(chan error, 1)
	go func() {
		var hello Response
		if err := w.dec.Decode(&hello); err != nil {
			ready <- fmt.Errorf("read handshake: %w", err)
			return
		}
		if !hello.Ready {
			ready <- errors.New("unexpected handshake")
			return
		}
		ready <- nil
	}()

	timer := time.NewTimer(f.readyTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err == nil {
			return w, nil
		}
		stdin.Close()
		proc.Terminate()
		return nil, err
	case <-timer.C:
		stdin.Close()
		proc.Terminate()
		return nil, fmt.Errorf("%w after %s", ErrWorkerTimeout, f.readyTimeout)
	case <-ctx.Done():
		stdin.Close()
		proc.Terminate()
		return nil, ctx.Err()
	}
}

func (f *Factory) buildTaskProcess(name string, args []string) (*worker.Process, error) {
	opts := []worker.Option{
		worker.WithLogger(f.logger),
		worker.WithRegistry(f.registry),
		worker.WithEventBus(f.bus),
	}
	if f.executable != "" {
		opts = append(opts, worker.WithExecutable(f.executable))
	}
	return worker.NewTaskProcess(name, args, opts...)
}

// ExecOptions controls ExecuteSingle.
type ExecOptions struct {
	// FetchResult runs the task in a one-worker pool and returns its result.
	FetchResult bool
	// Timeout bounds the wait. Zero means DefaultExecTimeout.
	Timeout time.Duration
	// Profile receives any error instead of the caller.
	Profile coordinator.Profile
}

// ExecuteSingle runs one task in its own process. Errors are logged and, when
// a profile is given, attached to it; they are never returned. With
// FetchResult the task's result is returned, otherwise nil.
func (f *Factory) ExecuteSingle(ctx context.Context, name string, args []string, opts ExecOptions) any {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if opts.FetchResult {
		return f.executeInPool(ctx, name, args, timeout, opts.Profile)
	}

	proc, err := f.build(name, args)
	if err != nil {
		f.logger.Error("Failed to create process for task", "task", name, "error", err)
		return nil
	}
	if proc == nil {
		f.logger.Error("Process factory returned no process", "task", name)
		f.logger.Error("Task was not executed", "task", name, "args", args)
		return nil
	}
	if err := proc.Start(); err != nil {
		f.logger.Error("Failed to start process for task", "task", name, "error", err)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		f.logger.Warn("Process did not finish within timeout", "task", name, "desc", proc.Desc(), "timeout", timeout)
	case <-ctx.Done():
		proc.Terminate()
		f.logger.Warn("Process wait cancelled", "task", name, "desc", proc.Desc(), "error", ctx.Err())
	}
	return nil
}

func (f *Factory) executeInPool(ctx context.Context, name string, args []string, timeout time.Duration, profile coordinator.Profile) any {
	p, err := f.CreatePool(ctx, 1)
	if err != nil {
		f.logger.Error("Failed to create process pool", "task", name, "error", err)
		coordinator.AddProfileException(err, profile)
		return nil
	}

	getCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.ApplyAsync(name, args).Get(getCtx)
	if err != nil {
		if getCtx.Err() != nil {
			p.StopAll()
		} else {
			p.Close()
			p.Join()
		}
		f.logger.Error("Error executing task in process pool", "task", name, "error", err)
		coordinator.AddProfileException(err, profile)
		return nil
	}

	p.Close()
	if !p.JoinTimeout(teardownTimeout) {
		f.logger.Warn("Pool workers slow to exit, terminating", "task", name, "pids", p.PIDs())
		p.StopAll()
	}
	return result
}
