// Package pool runs registered tasks in a fixed set of worker processes.
//
// Workers are re-invocations of the current executable in pool-worker mode
// (see ChildMain). The parent and each worker exchange JSON lines: a Request
// on the worker's stdin, a Response on its stdout. A worker runs one request
// at a time.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/metrics"
	"github.com/smazurov/procvisor/internal/worker"
)

// ErrPoolClosed is returned for work submitted after Close or Terminate.
var ErrPoolClosed = errors.New("pool is closed")

// AsyncResult is the pending outcome of ApplyAsync.
type AsyncResult struct {
	done chan struct{}
	once sync.Once
	raw  json.RawMessage
	err  error
}

func newAsyncResult() *AsyncResult {
	return &AsyncResult{done: make(chan struct{})}
}

func (r *AsyncResult) resolve(raw json.RawMessage, err error) {
	r.once.Do(func() {
		r.raw, r.err = raw, err
		close(r.done)
	})
}

// Ready reports whether the result is available.
func (r *AsyncResult) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Get waits for the result until ctx is done. The task's JSON result is
// decoded into a generic value.
func (r *AsyncResult) Get(ctx context.Context) (any, error) {
	var v any
	if err := r.Decode(ctx, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode waits for the result and unmarshals it into v.
func (r *AsyncResult) Decode(ctx context.Context, v any) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if len(r.raw) == 0 {
		return nil
	}
	return json.Unmarshal(r.raw, v)
}

type job struct {
	req    Request
	result *AsyncResult
}

type poolWorker struct {
	proc  *worker.Process
	stdin io.WriteCloser
	dec   *json.Decoder
}

func (w *poolWorker) call(req Request) (Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := w.dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if resp.ID != req.ID {
		return Response{}, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}

// respawnFunc starts a replacement for a worker that died.
type respawnFunc func(ctx context.Context) (*poolWorker, error)

// Pool dispatches work to a fixed set of worker processes. A worker that
// dies fails only the job it was running and is replaced.
type Pool struct {
	logger  logging.Logger
	respawn respawnFunc
	jobs    chan *job
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	workers   []*poolWorker
	retired   []*poolWorker
	closed    bool
	pending   sync.WaitGroup
	loops     sync.WaitGroup
	closeOnce sync.Once
	stopOnce  sync.Once
	joinOnce  sync.Once
	stopped   chan struct{}
}

func newPool(workers []*poolWorker, logger logging.Logger, respawn respawnFunc) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logging.OrDiscard(logger),
		respawn: respawn,
		workers: workers,
		jobs:    make(chan *job),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	metrics.AddPoolWorkers(len(workers))
	for slot := range workers {
		p.loops.Add(1)
		go p.serve(slot)
	}
	go func() {
		p.loops.Wait()
		p.stop()
	}()
	return p
}

func (p *Pool) stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.cancel()
	})
}

func (p *Pool) stopping() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(slot int) *poolWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[slot]
}

func (p *Pool) serve(slot int) {
	defer p.loops.Done()
	w := p.worker(slot)
	// EOF on stdin tells the worker to exit.
	defer func() { w.stdin.Close() }()

	for {
		var j *job
		select {
		case next, ok := <-p.jobs:
			if !ok {
				return
			}
			j = next
		case <-w.proc.Done():
			p.logger.Error("Pool worker exited while idle", "desc", w.proc.Desc(), "exit_code", w.proc.ExitCode())
			next, ok := p.replace(slot, w)
			if !ok {
				return
			}
			w = next
			continue
		case <-p.stopped:
			return
		}

		resp, err := w.call(j.req)
		if err != nil {
			p.logger.Error("Pool worker failed", "desc", w.proc.Desc(), "error", err)
			metrics.PoolTaskDone("error")
			j.result.resolve(nil, fmt.Errorf("pool worker %s: %w", w.proc.Desc(), err))
			next, ok := p.replace(slot, w)
			if !ok {
				return
			}
			w = next
			continue
		}
		if resp.Error != "" {
			metrics.PoolTaskDone("error")
			j.result.resolve(nil, &TaskError{Task: j.req.Task, Message: resp.Error})
			continue
		}
		metrics.PoolTaskDone("ok")
		j.result.resolve(resp.Result, nil)
	}
}

// replace retires the broken worker in slot and starts a new one. It reports
// false when the pool is stopping or no replacement could be started.
func (p *Pool) replace(slot int, old *poolWorker) (*poolWorker, bool) {
	old.stdin.Close()
	old.proc.Terminate()
	p.mu.Lock()
	p.retired = append(p.retired, old)
	p.mu.Unlock()

	if p.respawn == nil || p.stopping() {
		return nil, false
	}
	w, err := p.respawn(p.ctx)
	if err != nil {
		p.logger.Error("Unable to replace pool worker", "slot", slot, "error", err)
		return nil, false
	}

	p.mu.Lock()
	p.workers[slot] = w
	p.mu.Unlock()
	if p.stopping() {
		w.stdin.Close()
		w.proc.Terminate()
		return nil, false
	}
	metrics.PoolWorkerRespawned()
	p.logger.Warn("Pool worker replaced", "slot", slot, "old_pid", old.proc.PID(), "pid", w.proc.PID())
	return w, true
}

// Size returns the number of worker processes the pool was created with.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// PIDs returns the current worker process ids.
func (p *Pool) PIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pids := make([]int, len(p.workers))
	for i, w := range p.workers {
		pids[i] = w.proc.PID()
	}
	return pids
}

// ApplyAsync submits the registered task name with args to the next free worker.
func (p *Pool) ApplyAsync(name string, args []string) *AsyncResult {
	r := newAsyncResult()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.resolve(nil, ErrPoolClosed)
		return r
	}
	p.pending.Add(1)
	p.mu.Unlock()

	j := &job{
		req:    Request{ID: uuid.NewString(), Task: name, Args: append([]string{}, args...)},
		result: r,
	}
	go func() {
		defer p.pending.Done()
		select {
		case p.jobs <- j:
		case <-p.stopped:
			r.resolve(nil, ErrPoolClosed)
		}
	}()
	return r
}

// Close stops accepting work. Submitted work still runs, after which the
// workers exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		go func() {
			p.pending.Wait()
			close(p.jobs)
		}()
	})
}

// Terminate stops accepting work and signals every worker. Work not yet
// finished fails.
func (p *Pool) Terminate() {
	p.Close()
	p.stop()
	for _, w := range p.snapshot() {
		w.proc.Terminate()
	}
}

// snapshot returns the current and retired workers.
func (p *Pool) snapshot() []*poolWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(append([]*poolWorker(nil), p.workers...), p.retired...)
}

// StopAll terminates the pool and waits for every worker to exit.
func (p *Pool) StopAll() {
	p.Terminate()
	p.Join()
}

// Join waits for the dispatch loops and worker processes to finish. Call
// Close or Terminate first.
func (p *Pool) Join() {
	p.loops.Wait()
	for _, w := range p.snapshot() {
		w.proc.Join(-1)
	}
	p.joinOnce.Do(func() { metrics.AddPoolWorkers(-p.Size()) })
}

// JoinTimeout is Join bounded by timeout. It reports whether every worker exited.
func (p *Pool) JoinTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.Join()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
