package pool

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWorkerTimeout means a new worker did not complete its handshake in time.
var ErrWorkerTimeout = errors.New("pool worker did not become ready")

var transientErrnos = []unix.Errno{
	unix.EAGAIN,
	unix.ENOMEM,
	unix.EMFILE,
	unix.ENFILE,
	unix.ETIMEDOUT,
}

// IsTransient reports whether err is a resource or timeout error that may
// succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, ErrWorkerTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
