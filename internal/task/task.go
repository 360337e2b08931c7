// Package task names the units of work that workers execute.
//
// A work item is a registered task name plus string arguments. Names rather
// than closures are used because the same work item must be runnable inside
// a goroutine, a child process, or a re-invoked daemon executable.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTask is returned when a task name has no registered function.
var ErrUnknownTask = errors.New("unknown task")

// Func executes a unit of work. Implementations should return promptly once
// ctx is done. The result must be JSON-serialisable when the task runs in a pool.
type Func func(ctx context.Context, args []string) (any, error)

// Registry maps task names to functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name. It panics if name is empty, fn is nil, or the
// name is already taken.
func (r *Registry) Register(name string, fn Func) {
	if name == "" || fn == nil {
		panic("task: Register requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		panic(fmt.Sprintf("task: %q already registered", name))
	}
	r.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return fn, nil
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry used by the CLI and by re-invoked
// child processes.
var Default = NewRegistry()

// Register adds fn to the Default registry.
func Register(name string, fn Func) {
	Default.Register(name, fn)
}

// Lookup resolves name in the Default registry.
func Lookup(name string) (Func, error) {
	return Default.Lookup(name)
}
