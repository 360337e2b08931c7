package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/metrics"
	"github.com/smazurov/procvisor/internal/task"
)

var (
	threadCounter atomic.Int64
	startSeq      atomic.Uint64
)

// Thread runs a task function in its own goroutine. Errors and panics are
// captured on the Thread and never re-raised.
type Thread struct {
	id   string
	name string
	fn   task.Func
	args []string
	opts options

	mu       sync.Mutex
	desc     string
	order    uint64
	running  bool
	finished bool
	cancel   context.CancelCauseFunc
	done     chan struct{}
	result   any
	err      error
}

// NewThread creates a thread that will call fn(ctx, args) once started.
func NewThread(name string, fn task.Func, args []string, opts ...Option) *Thread {
	return &Thread{
		id:   uuid.NewString(),
		name: name,
		fn:   fn,
		args: append([]string(nil), args...),
		opts: buildOptions(opts),
		done: make(chan struct{}),
	}
}

// NewTaskThread creates a thread running the task registered as name.
func NewTaskThread(name string, args []string, opts ...Option) (*Thread, error) {
	fn, err := task.Lookup(name)
	if err != nil {
		return nil, err
	}
	return NewThread(name, fn, args, opts...), nil
}

// ID returns the unique worker id.
func (t *Thread) ID() string { return t.id }

// Name returns the task name.
func (t *Thread) Name() string { return t.name }

// Desc returns the diagnostic description assigned at Start, such as
// "sleep-thread-3". It is empty before Start.
func (t *Thread) Desc() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

// Start launches the goroutine.
func (t *Thread) Start() error {
	t.mu.Lock()
	if t.running || t.finished {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	if t.fn == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", task.ErrUnknownTask, t.name)
	}
	t.desc = fmt.Sprintf("%s-thread-%d", t.name, threadCounter.Add(1))
	t.order = startSeq.Add(1)
	ctx, cancel := context.WithCancelCause(t.opts.ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	t.opts.registry.add(t)
	metrics.WorkerStarted(metrics.KindThread)
	t.opts.logger.Debug("Thread started", "desc", t.desc, "id", t.id)

	go t.run(ctx)
	return nil
}

func (t *Thread) run(ctx context.Context) {
	result, err := t.call(ctx)
	// A task returning ctx.Err() reports the interrupt's cause.
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
	}

	t.mu.Lock()
	t.result, t.err = result, err
	t.running = false
	t.finished = true
	desc := t.desc
	t.mu.Unlock()

	t.cancel(context.Canceled)
	t.opts.registry.remove(t.id)

	raised := t.HasRaisedException()
	metrics.WorkerFinished(metrics.KindThread, raised)
	if raised {
		t.opts.logger.Error("Exception raised by thread", "desc", desc, "error", err)
		t.opts.bus.Publish(events.WorkerFailedEvent{
			WorkerID:  t.id,
			Desc:      desc,
			Kind:      metrics.KindThread,
			Error:     err.Error(),
			Timestamp: events.Timestamp(time.Now()),
		})
	} else {
		t.opts.logger.Debug("Thread finished", "desc", desc)
	}
	close(t.done)
}

func (t *Thread) call(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx, t.args)
}

// IsAlive reports whether the goroutine is running.
func (t *Thread) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// HasRaisedException reports whether the task finished with an error.
// Termination through Terminate does not count.
func (t *Thread) HasRaisedException() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished && t.err != nil && !errors.Is(t.err, ErrTerminated)
}

// ExceptionMsg returns the captured error message, or "".
func (t *Thread) ExceptionMsg() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		return ""
	}
	return t.err.Error()
}

// Err returns the error the task returned once it has finished.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the value the task returned once it has finished.
func (t *Thread) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Done is closed when the task has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Join waits up to timeout for the task to return and reports whether it
// did. A thread that was never started has nothing to wait for.
func (t *Thread) Join(timeout time.Duration) bool {
	if !t.started() {
		return true
	}
	return joinDone(t.done, timeout)
}

// Terminate asks the task to stop by cancelling its context with ErrTerminated.
func (t *Thread) Terminate() {
	if _, err := t.Interrupt(ErrTerminated); err != nil {
		t.opts.logger.Debug("Terminate ignored", "name", t.name, "error", err)
	}
}

// Interrupt cancels the task's context with cause. It fails with
// ErrInvalidCause for a nil cause and ErrThreadNotStarted before Start.
// Interrupting a finished thread is a no-op.
func (t *Thread) Interrupt(cause error) (InterruptResult, error) {
	if cause == nil {
		return InterruptNoop, ErrInvalidCause
	}
	t.mu.Lock()
	switch {
	case !t.running && !t.finished:
		t.mu.Unlock()
		return InterruptNoop, fmt.Errorf("%w: %s", ErrThreadNotStarted, t.name)
	case t.finished:
		desc := t.desc
		t.mu.Unlock()
		t.opts.logger.Info("Thread already finished; interrupt ignored", "desc", desc)
		return InterruptNoop, nil
	}
	cancel, desc := t.cancel, t.desc
	t.mu.Unlock()

	cancel(cause)
	t.opts.logger.Info("Interrupt delivered to thread", "desc", desc, "cause", cause)
	return InterruptDelivered, nil
}

func (t *Thread) started() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running || t.finished
}

func (t *Thread) seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order
}
