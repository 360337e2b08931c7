package worker

import (
	"fmt"
	"sort"
	"sync"
)

// managed is implemented by the workers this package creates.
type managed interface {
	Task
	ID() string
	Interrupt(cause error) (InterruptResult, error)
	started() bool
	seq() uint64
}

// Registry tracks the live workers started by this package.
type Registry struct {
	mu   sync.RWMutex
	live map[string]managed
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]managed)}
}

// Default is the registry workers join unless WithRegistry says otherwise.
var Default = NewRegistry()

func (r *Registry) add(t managed) {
	r.mu.Lock()
	r.live[t.ID()] = t
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// Lookup returns the live worker with the given id.
func (r *Registry) Lookup(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.live[id]
	return t, ok
}

// Live returns the live workers in start order.
func (r *Registry) Live() []Task {
	r.mu.RLock()
	list := make([]managed, 0, len(r.live))
	for _, t := range r.live {
		list = append(list, t)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq() < list[j].seq() })
	tasks := make([]Task, len(list))
	for i, t := range list {
		tasks[i] = t
	}
	return tasks
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Interrupt cancels the live worker id with cause.
func (r *Registry) Interrupt(id string, cause error) (InterruptResult, error) {
	if cause == nil {
		return InterruptNoop, ErrInvalidCause
	}
	r.mu.RLock()
	t, ok := r.live[id]
	r.mu.RUnlock()
	if !ok {
		return InterruptNoop, fmt.Errorf("%w: %q", ErrUnknownWorker, id)
	}
	return t.Interrupt(cause)
}

// InterruptByID cancels the live worker id in the Default registry.
func InterruptByID(id string, cause error) (InterruptResult, error) {
	return Default.Interrupt(id, cause)
}

// Managed reports whether t is a Thread or Process that has been started.
// Any other Task is opaque to the coordinator.
func Managed(t Task) bool {
	m, ok := t.(managed)
	return ok && m.started()
}
