package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/smazurov/procvisor/internal/task"
)

var errEntryFinished = errors.New("entry already executed")

// Entry is one unit of work inside a pool worker. Result and Finished are
// set exactly once, when the function returns.
type Entry struct {
	Function string
	Args     []string
	Result   any
	Finished bool
}

// NewEntry creates an unexecuted entry.
func NewEntry(function string, args []string) *Entry {
	return &Entry{Function: function, Args: args}
}

// Run executes the entry's function from registry. A panic in the function
// is returned as an error.
func (e *Entry) Run(ctx context.Context, registry *task.Registry) (err error) {
	if e.Finished {
		return errEntryFinished
	}
	fn, err := registry.Lookup(e.Function)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		e.Finished = true
	}()
	e.Result, err = fn(ctx, e.Args)
	return err
}
